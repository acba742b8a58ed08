package store

import "time"

type User struct {
	ID        int64
	Name      string
	Email     string
	CreatedAt time.Time
}

type Group struct {
	ID   int64
	Name string
}

type Document struct {
	ID                  int64
	Title               string
	OwnerUserID         int64
	CreatorUserID       int64
	CurrentStagePointer int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Tracker binds one workflow stage of a document to a user or a group. A
// zero UserID means the stage is satisfied by membership in GroupID.
type Tracker struct {
	Identifier int64
	DocumentID int64
	UserID     int64
	GroupID    int64
	Position   int
}

type Thread struct {
	Identifier        string
	DocumentID        int64
	PointerIdentifier int64
	ThreadOwnerID     int64
	RecipientID       int64
	Category          string
	Status            string
	State             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Message struct {
	ID               string
	ThreadIdentifier string
	UserID           int64
	UserName         string
	Body             string
	Category         string
	CreatedAt        time.Time
	MarkedAsRead     bool
	Delivered        bool
	ClientRef        string
}
