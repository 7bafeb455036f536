package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/parleychat/parley/pkg/chatsdk"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	baseURL := flag.String("base-url", envOrDefault("CHAT_BASE_URL", "http://127.0.0.1:8080"), "Chat service base URL.")
	username := flag.String("username", os.Getenv("CHAT_USERNAME"), "Username to log in with.")
	password := flag.String("password", os.Getenv("CHAT_PASSWORD"), "Password to log in with.")
	model := flag.String("model", envOrDefault("CHAT_MODEL", "simple_agent"), "Model id to call.")
	threadID := flag.String("thread", "", "Existing thread id; a new thread is created when empty.")
	credFile := flag.String("credentials", envOrDefault("CHAT_CREDENTIALS_FILE", ".chat-credentials.json"), "Credential persistence file.")
	showStatus := flag.Bool("status", true, "Print agent status markers.")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	client := chatsdk.NewClient(*baseURL, &chatsdk.FileCredentialStore{Path: *credFile}, chatsdk.WithLogger(logger))
	defer client.Close()

	ctx := context.Background()

	session := client.Session()
	session.EnsureInitialized(ctx)

	if session.Status() != chatsdk.StatusAuthenticated {
		if *username == "" || *password == "" {
			return errors.New("not logged in; pass --username and --password")
		}
		profile, err := client.Login(ctx, *username, *password)
		if err != nil {
			return err
		}
		fmt.Printf("logged in as %s\n", profile.Username)
	} else if profile := session.Profile(); profile != nil {
		fmt.Printf("resumed session for %s\n", profile.Username)
	}

	id := *threadID
	if id == "" {
		thread, err := client.CreateThread(ctx, "")
		if err != nil {
			return err
		}
		id = thread.ID
		fmt.Printf("created thread %s\n", id)
	}

	fmt.Println(`type a message and press enter ("exit" quits, Ctrl+C aborts a stream)`)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "/exit" || line == "quit" || line == "/quit" {
			return nil
		}

		if err := streamOnce(ctx, client, id, *model, line, *showStatus); err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("\n[aborted]")
				continue
			}
			fmt.Fprintf(os.Stderr, "\n[error] %v\n", err)
		}
	}
}

func streamOnce(ctx context.Context, client *chatsdk.Client, threadID, model, text string, showStatus bool) error {
	// Ctrl+C aborts the in-flight stream, not the whole program.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := client.StreamMessage(ctx, threadID, chatsdk.MessageSend{
		Text:  text,
		Model: model,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	printed := 0
	shownFiles := 0
	for {
		update, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return err
		}
		if update.Done {
			continue
		}
		// Updates carry the whole accumulated text; print only the suffix.
		if len(update.Text) > printed {
			fmt.Print(update.Text[printed:])
			printed = len(update.Text)
		}
		if showStatus && len(update.Files) > shownFiles {
			for _, file := range update.Files[shownFiles:] {
				fmt.Printf("\n[attachment] %s (%s)\n", file.Name, file.MimeCategory)
			}
			shownFiles = len(update.Files)
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
