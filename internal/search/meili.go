package search

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog/log"
)

const (
	idxThreads  = "parley_threads"
	idxMessages = "parley_messages"
)

// Meili implements Searcher via Meilisearch and accepts index writes.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The returned
// client tolerates an unreachable server; a background monitor flips it
// healthy again once the server comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxThreads,
			primaryKey: "identifier",
			filterable: []string{"documentId", "category"},
			searchable: []string{"ownerName"},
		},
		{
			uid:        idxMessages,
			primaryKey: "id",
			filterable: []string{"documentId", "category", "threadIdentifier"},
			searchable: []string{"body", "authorName"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Debug().Err(err).Str("index", idx.uid).Msg("create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Warn().Err(err).Str("index", idx.uid).Msg("update filterable attrs")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Warn().Err(err).Str("index", idx.uid).Msg("update searchable attrs")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Info().Msg("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the thread and message indexes and merges the hits.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	targets := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxThreads, ResultThread},
		{idxMessages, ResultMessage},
	}

	var queries []*meili.SearchRequest
	for _, t := range targets {
		if q.FilterType != "" && q.FilterType != t.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID: t.uid,
			Query:    q.Text,
			Limit:    limit,
			Offset:   int64(q.Offset),
		}
		if q.DocumentID != 0 {
			sr.Filter = []string{fmt.Sprintf("documentId = %d", q.DocumentID)}
		}
		queries = append(queries, sr)
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := ResultMessage
		if sr.IndexUID == idxThreads {
			rtyp = ResultThread
		}
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

// IndexThread upserts a thread record.
func (m *Meili) IndexThread(t ThreadRecord) error {
	_, err := m.client.Index(idxThreads).AddDocuments([]ThreadRecord{t}, nil)
	if err != nil {
		return fmt.Errorf("index thread %s: %w", t.Identifier, err)
	}
	return nil
}

// IndexMessage upserts a message record.
func (m *Meili) IndexMessage(msg MessageRecord) error {
	_, err := m.client.Index(idxMessages).AddDocuments([]MessageRecord{msg}, nil)
	if err != nil {
		return fmt.Errorf("index message %s: %w", msg.ID, err)
	}
	return nil
}

func hitToResult(hit interface{}, rtyp ResultType) Result {
	result := Result{Type: rtyp}
	raw, err := json.Marshal(hit)
	if err != nil {
		return result
	}

	switch rtyp {
	case ResultThread:
		var rec ThreadRecord
		if json.Unmarshal(raw, &rec) == nil {
			result.ID = rec.Identifier
			result.ThreadIdentifier = rec.Identifier
			result.DocumentID = rec.DocumentID
			result.Category = rec.Category
			result.Snippet = rec.OwnerName
		}
	case ResultMessage:
		var rec MessageRecord
		if json.Unmarshal(raw, &rec) == nil {
			result.ID = rec.ID
			result.ThreadIdentifier = rec.ThreadIdentifier
			result.DocumentID = rec.DocumentID
			result.Category = rec.Category
			result.Snippet = rec.Body
		}
	}
	return result
}
