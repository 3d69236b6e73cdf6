package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/valzu-ai/valzu-chat/internal/domain"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
)

const collectionName = "chats"

type chatDocument struct {
	ObjectID  primitive.ObjectID `bson:"_id,omitempty"`
	ChatID    string             `bson:"chatId"`
	Messages  []messageDocument  `bson:"messages"`
	CreatedAt time.Time          `bson:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt,omitempty"`
}

type messageDocument struct {
	ID       string            `bson:"id"`
	Role     string            `bson:"role"`
	Parts    []chat.PartRecord `bson:"parts"`
	Metadata map[string]any    `bson:"metadata,omitempty"`
}

type summaryDocument struct {
	ChatID       string    `bson:"chatId"`
	MessageCount int       `bson:"messageCount"`
	CreatedAt    time.Time `bson:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

// Store implements chatstore.Store on a MongoDB collection, one document per conversation.
type Store struct {
	handle *Handle

	indexMu sync.Mutex
	indexed bool
	now     func() time.Time
}

// NewStore creates a store on top of a shared handle.
func NewStore(h *Handle) *Store {
	return &Store{handle: h, now: time.Now}
}

// collection returns the chats collection, ensuring the unique chatId index once.
func (s *Store) collection(ctx context.Context) (*mongo.Collection, error) {
	db, err := s.handle.Database(ctx)
	if err != nil {
		return nil, err
	}
	coll := db.Collection(collectionName)

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if !s.indexed {
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "chatId", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return nil, fmt.Errorf("create chatId index: %w", err)
		}
		s.indexed = true
	}
	return coll, nil
}

func (s *Store) Create(ctx context.Context, msgs []chat.Message) (string, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return "", err
	}
	id := chat.NewID()
	now := s.now().UTC()
	_, err = coll.InsertOne(ctx, chatDocument{
		ChatID:    id,
		Messages:  toDocuments(msgs),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

func (s *Store) Fetch(ctx context.Context, id string) ([]chat.Message, error) {
	conv, err := s.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return []chat.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

func (s *Store) Get(ctx context.Context, id string) (*chat.Conversation, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}
	var doc chatDocument
	if err := coll.FindOne(ctx, bson.M{"chatId": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("get conversation %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	msgs, err := fromDocuments(doc.Messages)
	if err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &chat.Conversation{
		ID:        doc.ChatID,
		Messages:  msgs,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *Store) Replace(ctx context.Context, id string, msgs []chat.Message) error {
	coll, err := s.collection(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	_, err = coll.UpdateOne(ctx,
		bson.M{"chatId": id},
		bson.M{
			"$set":         bson.M{"messages": toDocuments(msgs), "updatedAt": now},
			"$setOnInsert": bson.M{"createdAt": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("replace conversation %s: %w", id, err)
	}
	return nil
}

// Remove deletes by chatId, falling back to the document _id for ids that look
// like ObjectIDs (conversations created before chatId existed).
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return false, err
	}
	res, err := coll.DeleteOne(ctx, bson.M{"chatId": id})
	if err != nil {
		return false, fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if res.DeletedCount > 0 {
		return true, nil
	}

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	res, err = coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return false, fmt.Errorf("delete conversation %s by _id: %w", id, err)
	}
	return res.DeletedCount > 0, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]chat.Summary, error) {
	if limit <= 0 {
		limit = chat.DefaultListLimit
	}
	coll, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{
			"chatId":       1,
			"createdAt":    1,
			"updatedAt":    1,
			"messageCount": bson.M{"$size": bson.M{"$ifNull": bson.A{"$messages", bson.A{}}}},
		})
	cur, err := coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	result := []chat.Summary{}
	for cur.Next(ctx) {
		var doc summaryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		updated := doc.UpdatedAt
		if updated.IsZero() {
			updated = doc.CreatedAt
		}
		result = append(result, chat.Summary{ID: doc.ChatID, MessageCount: doc.MessageCount, UpdatedAt: updated})
	}
	return result, cur.Err()
}

// Ping checks database connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.handle.Ping(ctx)
}

func toDocuments(msgs []chat.Message) []messageDocument {
	out := make([]messageDocument, len(msgs))
	for i, m := range msgs {
		out[i] = messageDocument{
			ID:       m.ID,
			Role:     string(m.Role),
			Parts:    m.Parts.Records(),
			Metadata: m.Metadata,
		}
	}
	return out
}

func fromDocuments(docs []messageDocument) ([]chat.Message, error) {
	out := make([]chat.Message, 0, len(docs))
	for i, d := range docs {
		parts, err := chat.PartsFromRecords(d.Parts)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, chat.Message{
			ID:       d.ID,
			Role:     chat.Role(d.Role),
			Parts:    parts,
			Metadata: d.Metadata,
		})
	}
	return out, nil
}
