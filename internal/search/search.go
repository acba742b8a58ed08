// Package search provides full-text search over discussion threads and
// messages, backed by Meilisearch with a PostgreSQL FTS fallback.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultThread  ResultType = "thread"
	ResultMessage ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type             ResultType `json:"type"`
	ID               string     `json:"id"`
	ThreadIdentifier string     `json:"threadIdentifier"`
	DocumentID       int64      `json:"documentId"`
	Category         string     `json:"category"`
	Snippet          string     `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text       string
	DocumentID int64      // 0 = all documents
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ThreadRecord is the data indexed for a thread.
type ThreadRecord struct {
	Identifier string `json:"identifier"`
	DocumentID int64  `json:"documentId"`
	Category   string `json:"category"`
	OwnerName  string `json:"ownerName"`
}

// MessageRecord is the data indexed for a message.
type MessageRecord struct {
	ID               string `json:"id"`
	ThreadIdentifier string `json:"threadIdentifier"`
	DocumentID       int64  `json:"documentId"`
	Category         string `json:"category"`
	Body             string `json:"body"`
	AuthorName       string `json:"authorName"`
}
