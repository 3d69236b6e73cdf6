package chat

import (
	"encoding/json"
	"fmt"
)

// Part type tags as they appear on the wire.
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeSource    = "source-url"
	PartTypeFile      = "file"
)

// Part is a typed fragment of a message. The set of variants is closed:
// TextPart, ReasoningPart, SourcePart and FilePart.
type Part interface {
	PartType() string
	sealed()
}

// TextPart carries visible assistant or user text.
type TextPart struct {
	Text string
}

// ReasoningPart carries the model's thinking trace.
type ReasoningPart struct {
	Text string
}

// SourcePart references a web source surfaced by the model.
type SourcePart struct {
	SourceID string
	URL      string
	Title    string
}

// FilePart references an attachment by URL (remote or data URL).
type FilePart struct {
	Filename  string
	MediaType string
	URL       string
}

func (TextPart) PartType() string      { return PartTypeText }
func (ReasoningPart) PartType() string { return PartTypeReasoning }
func (SourcePart) PartType() string    { return PartTypeSource }
func (FilePart) PartType() string      { return PartTypeFile }

func (TextPart) sealed()      {}
func (ReasoningPart) sealed() {}
func (SourcePart) sealed()    {}
func (FilePart) sealed()      {}

// PartRecord is the flat storage and wire representation of a Part.
type PartRecord struct {
	Type      string `json:"type" bson:"type"`
	Text      string `json:"text,omitempty" bson:"text,omitempty"`
	SourceID  string `json:"sourceId,omitempty" bson:"sourceId,omitempty"`
	URL       string `json:"url,omitempty" bson:"url,omitempty"`
	Title     string `json:"title,omitempty" bson:"title,omitempty"`
	Filename  string `json:"filename,omitempty" bson:"filename,omitempty"`
	MediaType string `json:"mediaType,omitempty" bson:"mediaType,omitempty"`
}

// ToRecord flattens a part.
func ToRecord(p Part) PartRecord {
	switch v := p.(type) {
	case TextPart:
		return PartRecord{Type: PartTypeText, Text: v.Text}
	case ReasoningPart:
		return PartRecord{Type: PartTypeReasoning, Text: v.Text}
	case SourcePart:
		return PartRecord{Type: PartTypeSource, SourceID: v.SourceID, URL: v.URL, Title: v.Title}
	case FilePart:
		return PartRecord{Type: PartTypeFile, Filename: v.Filename, MediaType: v.MediaType, URL: v.URL}
	default:
		panic(fmt.Sprintf("chat: unhandled part %T", p))
	}
}

// FromRecord rebuilds a part from its flat form.
func FromRecord(r PartRecord) (Part, error) {
	switch r.Type {
	case PartTypeText:
		return TextPart{Text: r.Text}, nil
	case PartTypeReasoning:
		return ReasoningPart{Text: r.Text}, nil
	case PartTypeSource:
		if r.URL == "" {
			return nil, fmt.Errorf("source part: url is required")
		}
		return SourcePart{SourceID: r.SourceID, URL: r.URL, Title: r.Title}, nil
	case PartTypeFile:
		return FilePart{Filename: r.Filename, MediaType: r.MediaType, URL: r.URL}, nil
	default:
		return nil, fmt.Errorf("unknown part type %q", r.Type)
	}
}

// Parts is an ordered part sequence with a tagged JSON encoding.
type Parts []Part

// Records flattens all parts.
func (ps Parts) Records() []PartRecord {
	out := make([]PartRecord, len(ps))
	for i, p := range ps {
		out[i] = ToRecord(p)
	}
	return out
}

// PartsFromRecords rebuilds a part sequence.
func PartsFromRecords(recs []PartRecord) (Parts, error) {
	out := make(Parts, 0, len(recs))
	for i, r := range recs {
		p, err := FromRecord(r)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// MarshalJSON encodes the parts as tagged objects.
func (ps Parts) MarshalJSON() ([]byte, error) {
	return json.Marshal(ps.Records())
}

// UnmarshalJSON decodes tagged objects, rejecting unknown part types.
func (ps *Parts) UnmarshalJSON(data []byte) error {
	var recs []PartRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return err
	}
	parts, err := PartsFromRecords(recs)
	if err != nil {
		return err
	}
	*ps = parts
	return nil
}
