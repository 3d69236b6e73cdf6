// Command valzu runs the chat server and its companion tools.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	if err := dispatch(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func dispatch(args []string) error {
	if len(args) == 0 {
		return runServe(nil)
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "chat":
		return runChat(args[1:])
	case "token":
		return runToken(args[1:])
	case "migrate":
		return runMigrate(args[1:])
	case "help", "-h", "--help":
		printHelp()
		return nil
	default:
		printHelp()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: valzu <command> [options]

Commands:
  serve     Run the HTTP server (default)
  chat      Chat with a running server from the terminal
  token     Mint a session token with the configured secret
  migrate   Apply or roll back PostgreSQL migrations
  help      Show this help message

Examples:
  valzu serve
  valzu token --user u1 --email u1@example.com
  valzu chat --url http://localhost:8080 --token $TOKEN
  valzu migrate --down 1
`)
}
