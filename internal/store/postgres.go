package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrThreadExists reports a unique-violation on the
// (thread_owner_id, recipient_id, pointer_identifier) triple. Callers fetch
// and adopt the existing row.
var ErrThreadExists = errors.New("thread already exists for pair")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.Name, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("get user %d: %w", userID, err)
	}
	return user, nil
}

// UserGroups returns the ids of every group the user belongs to.
func (s *PostgresStore) UserGroups(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id FROM group_memberships WHERE user_id=$1 ORDER BY group_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups for user %d: %w", userID, err)
	}
	defer rows.Close()

	var groups []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		groups = append(groups, id)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID int64) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, owner_user_id, creator_user_id, current_stage_pointer, created_at, updated_at
		FROM documents WHERE id=$1
	`, documentID).Scan(&doc.ID, &doc.Title, &doc.OwnerUserID, &doc.CreatorUserID,
		&doc.CurrentStagePointer, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("get document %d: %w", documentID, err)
	}
	return doc, nil
}

func (s *PostgresStore) ListTrackers(ctx context.Context, documentID int64) ([]Tracker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier, document_id, user_id, group_id, position
		FROM trackers WHERE document_id=$1 ORDER BY position
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list trackers for document %d: %w", documentID, err)
	}
	defer rows.Close()

	var trackers []Tracker
	for rows.Next() {
		var t Tracker
		if err := rows.Scan(&t.Identifier, &t.DocumentID, &t.UserID, &t.GroupID, &t.Position); err != nil {
			return nil, fmt.Errorf("scan tracker: %w", err)
		}
		trackers = append(trackers, t)
	}
	return trackers, rows.Err()
}

func (s *PostgresStore) ListThreads(ctx context.Context, documentID int64) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier, document_id, pointer_identifier, thread_owner_id, recipient_id,
		       category, status, state, created_at, updated_at
		FROM threads WHERE document_id=$1 ORDER BY created_at
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list threads for document %d: %w", documentID, err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.Identifier, &t.DocumentID, &t.PointerIdentifier, &t.ThreadOwnerID,
			&t.RecipientID, &t.Category, &t.Status, &t.State, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *PostgresStore) GetThread(ctx context.Context, identifier string) (Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT identifier, document_id, pointer_identifier, thread_owner_id, recipient_id,
		       category, status, state, created_at, updated_at
		FROM threads WHERE identifier=$1
	`, identifier).Scan(&t.Identifier, &t.DocumentID, &t.PointerIdentifier, &t.ThreadOwnerID,
		&t.RecipientID, &t.Category, &t.Status, &t.State, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Thread{}, fmt.Errorf("get thread %s: %w", identifier, err)
	}
	return t, nil
}

// GetThreadByPair resolves the (owner, recipient, pointer) triple to its
// persisted thread, if any.
func (s *PostgresStore) GetThreadByPair(ctx context.Context, ownerID, recipientID, pointer int64) (Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT identifier, document_id, pointer_identifier, thread_owner_id, recipient_id,
		       category, status, state, created_at, updated_at
		FROM threads
		WHERE thread_owner_id=$1 AND recipient_id=$2 AND pointer_identifier=$3
	`, ownerID, recipientID, pointer).Scan(&t.Identifier, &t.DocumentID, &t.PointerIdentifier,
		&t.ThreadOwnerID, &t.RecipientID, &t.Category, &t.Status, &t.State, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Thread{}, err
	}
	return t, nil
}

// InsertThread creates a durable thread row. A duplicate pair surfaces as
// ErrThreadExists so the creation endpoint stays idempotent on the triple.
func (s *PostgresStore) InsertThread(ctx context.Context, t Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (identifier, document_id, pointer_identifier, thread_owner_id,
		                     recipient_id, category, status, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.Identifier, t.DocumentID, t.PointerIdentifier, t.ThreadOwnerID, t.RecipientID,
		t.Category, t.Status, t.State)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrThreadExists
		}
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

// InsertMessage appends a message and bumps the thread's category, status,
// and updated_at in one transaction.
func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_identifier, user_id, body, category, marked_as_read, delivered, client_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.ThreadIdentifier, m.UserID, m.Body, m.Category, m.MarkedAsRead, m.Delivered, m.ClientRef); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE threads SET category=$2, status=$3, updated_at=NOW() WHERE identifier=$1
	`, m.ThreadIdentifier, m.Category, "active"); err != nil {
		return fmt.Errorf("bump thread: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadIdentifier string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.thread_identifier, m.user_id, u.name, m.body, m.category,
		       m.created_at, m.marked_as_read, m.delivered, m.client_ref
		FROM messages m
		JOIN users u ON u.id = m.user_id
		WHERE m.thread_identifier=$1
		ORDER BY m.created_at, m.id
	`, threadIdentifier)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", threadIdentifier, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadIdentifier, &m.UserID, &m.UserName, &m.Body,
			&m.Category, &m.CreatedAt, &m.MarkedAsRead, &m.Delivered, &m.ClientRef); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.thread_identifier, m.user_id, u.name, m.body, m.category,
		       m.created_at, m.marked_as_read, m.delivered, m.client_ref
		FROM messages m
		JOIN users u ON u.id = m.user_id
		WHERE m.id=$1
	`, id).Scan(&m.ID, &m.ThreadIdentifier, &m.UserID, &m.UserName, &m.Body,
		&m.Category, &m.CreatedAt, &m.MarkedAsRead, &m.Delivered, &m.ClientRef)
	if err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// MarkThreadRead flags every message in the thread not authored by readerID.
func (s *PostgresStore) MarkThreadRead(ctx context.Context, threadIdentifier string, readerID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET marked_as_read=TRUE
		WHERE thread_identifier=$1 AND user_id<>$2 AND marked_as_read=FALSE
	`, threadIdentifier, readerID)
	if err != nil {
		return fmt.Errorf("mark thread %s read: %w", threadIdentifier, err)
	}
	return nil
}
