package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PARLEY_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PARLEY_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func seedWorkflow(t *testing.T, s *PostgresStore) {
	t.Helper()
	ctx := context.Background()
	stmts := []string{
		`INSERT INTO users (id, name, email) VALUES (10, 'Omar', 'omar@example.com'), (30, 'Rivka', 'rivka@example.com')`,
		`INSERT INTO documents (id, title, owner_user_id, creator_user_id, current_stage_pointer) VALUES (7, 'PO-1187', 10, 10, 300)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestThreadPairUniqueness(t *testing.T) {
	s := openTestStore(t)
	seedWorkflow(t, s)
	ctx := context.Background()

	row := Thread{
		Identifier:        "srv-1",
		DocumentID:        7,
		PointerIdentifier: 300,
		ThreadOwnerID:     30,
		RecipientID:       10,
		Category:          "question",
		Status:            "pending",
		State:             "open",
	}
	if err := s.InsertThread(ctx, row); err != nil {
		t.Fatalf("insert thread: %v", err)
	}

	dup := row
	dup.Identifier = "srv-2"
	if err := s.InsertThread(ctx, dup); !errors.Is(err, ErrThreadExists) {
		t.Fatalf("expected ErrThreadExists on duplicate pair, got %v", err)
	}

	existing, err := s.GetThreadByPair(ctx, 30, 10, 300)
	if err != nil {
		t.Fatalf("get thread by pair: %v", err)
	}
	if existing.Identifier != "srv-1" {
		t.Fatalf("expected srv-1, got %s", existing.Identifier)
	}
}

func TestMessageAppendBumpsThread(t *testing.T) {
	s := openTestStore(t)
	seedWorkflow(t, s)
	ctx := context.Background()

	if err := s.InsertThread(ctx, Thread{
		Identifier: "srv-1", DocumentID: 7, PointerIdentifier: 300,
		ThreadOwnerID: 30, RecipientID: 10,
		Category: "question", Status: "pending", State: "open",
	}); err != nil {
		t.Fatalf("insert thread: %v", err)
	}

	if err := s.InsertMessage(ctx, Message{
		ID: "m-1", ThreadIdentifier: "srv-1", UserID: 30,
		Body: "is this stage blocked?", Category: "queried",
		Delivered: true, ClientRef: "ref-1",
	}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	th, err := s.GetThread(ctx, "srv-1")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th.Status != "active" || th.Category != "queried" {
		t.Fatalf("thread not bumped: %+v", th)
	}

	msgs, err := s.ListMessages(ctx, "srv-1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].UserName != "Rivka" || !msgs[0].Delivered {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	if err := s.MarkThreadRead(ctx, "srv-1", 10); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	msgs, _ = s.ListMessages(ctx, "srv-1")
	if !msgs[0].MarkedAsRead {
		t.Fatal("expected message flagged read for the other party")
	}

	// the author's own unread flag is untouched by their reads
	if err := s.InsertMessage(ctx, Message{
		ID: "m-2", ThreadIdentifier: "srv-1", UserID: 10,
		Body: "checking now", Category: "reviewed", Delivered: true,
	}); err != nil {
		t.Fatalf("insert reply: %v", err)
	}
	if err := s.MarkThreadRead(ctx, "srv-1", 10); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	msgs, _ = s.ListMessages(ctx, "srv-1")
	for _, m := range msgs {
		if m.ID == "m-2" && m.MarkedAsRead {
			t.Fatal("author's own message must not be flagged by their read")
		}
	}
}
