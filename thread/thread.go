// Package thread holds the discussion data model and the pure helpers that
// derive, promote, merge, and project conversation threads for a document.
package thread

import "time"

// Category classifies the current intent of a conversation. It is carried on
// both threads and individual messages and shifts as new messages arrive.
type Category string

const (
	CategoryQueried   Category = "queried"
	CategoryEscalated Category = "escalated"
	CategoryReviewed  Category = "reviewed"
	CategoryQuestion  Category = "question"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryQueried, CategoryEscalated, CategoryReviewed, CategoryQuestion:
		return true
	}
	return false
}

// Lifecycle values for Thread.Status and Thread.State. Status tracks whether
// anyone has acted on the thread yet; State tracks whether it is still open
// for discussion. Both are independent of Category.
const (
	StatusPending = "pending"
	StatusActive  = "active"

	StateOpen     = "open"
	StateResolved = "resolved"
)

// Document is the immutable snapshot of a workflow document as supplied by
// the document API. Read-only to this package.
type Document struct {
	ID                  int64 `json:"id"`
	OwnerUserID         int64 `json:"ownerUserId"`
	CreatorUserID       int64 `json:"creatorUserId"`
	CurrentStagePointer int64 `json:"currentStagePointer"`
}

// Tracker binds one workflow stage of a document to either a specific user
// or, when UserID is zero, to any member of GroupID.
type Tracker struct {
	Identifier int64 `json:"identifier"`
	UserID     int64 `json:"userId"`
	GroupID    int64 `json:"groupId"`
}

// Participant identifies a message author for display.
type Participant struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Message is a single entry in a thread's conversation. Identity is ID once
// the server has assigned one; optimistic local entries carry an empty ID and
// a ClientRef minted at send time, and are replaced in place when the
// authoritative copy arrives.
type Message struct {
	ID           string      `json:"id"`
	User         Participant `json:"user"`
	Body         string      `json:"message"`
	Category     Category    `json:"category"`
	CreatedAt    time.Time   `json:"created_at"`
	MarkedAsRead bool        `json:"marked_as_read"`
	Delivered    bool        `json:"delivered"`
	ClientRef    string      `json:"client_ref,omitempty"`
}

// Thread is one conversation between two parties about a document at a
// particular workflow stage. Persisted threads arrive from the server fully
// populated; placeholder threads are synthesized locally with a "tmp_"
// identifier that must never reach the server as a real id.
type Thread struct {
	Identifier        string    `json:"identifier"`
	PointerIdentifier int64     `json:"pointerIdentifier"`
	ThreadOwnerID     int64     `json:"threadOwnerId"`
	RecipientID       int64     `json:"recipientId"`
	Category          Category  `json:"category"`
	Conversations     []Message `json:"conversations"`
	Status            string    `json:"status"`
	State             string    `json:"state"`
}

// Placeholder reports whether the thread was synthesized locally and has not
// been confirmed as a durable row yet.
func (t Thread) Placeholder() bool {
	return len(t.Identifier) > 4 && t.Identifier[:4] == placeholderPrefix
}

// Involves reports whether the given user is one of the thread's two parties.
func (t Thread) Involves(userID int64) bool {
	return t.ThreadOwnerID == userID || t.RecipientID == userID
}
