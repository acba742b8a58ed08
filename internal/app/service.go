// Package app implements the parley backend: thread persistence, message
// fan-out, channel tokens, and the HTTP surface the client library talks to.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"parley/access"
	"parley/internal/auth"
	"parley/internal/config"
	"parley/internal/search"
	"parley/internal/store"
	"parley/realtime"
	"parley/thread"
)

// dataStore is the slice of the Postgres store the service needs.
type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, int64) (store.User, error)
	UserGroups(context.Context, int64) ([]int64, error)
	GetDocument(context.Context, int64) (store.Document, error)
	ListTrackers(context.Context, int64) ([]store.Tracker, error)
	ListThreads(context.Context, int64) ([]store.Thread, error)
	GetThread(context.Context, string) (store.Thread, error)
	GetThreadByPair(context.Context, int64, int64, int64) (store.Thread, error)
	InsertThread(context.Context, store.Thread) error
	InsertMessage(context.Context, store.Message) error
	ListMessages(context.Context, string) ([]store.Message, error)
	GetMessage(context.Context, string) (store.Message, error)
	MarkThreadRead(context.Context, string, int64) error
}

// eventBroker publishes encoded push events to a thread channel.
type eventBroker interface {
	Publish(ctx context.Context, threadIdentifier string, payload []byte) error
	Ping(ctx context.Context) error
}

type Service struct {
	cfg    config.Config
	store  dataStore
	broker eventBroker
	search *search.Service
}

func New(cfg config.Config, store dataStore, broker eventBroker, searchService *search.Service) *Service {
	return &Service{
		cfg:    cfg,
		store:  store,
		broker: broker,
		search: searchService,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingBroker(ctx context.Context) error {
	return s.broker.Ping(ctx)
}

// Session resolves a bearer session token to its user.
func (s *Service) Session(ctx context.Context, token string) (store.User, error) {
	claims, err := auth.ParseSessionToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return store.User{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid session", nil)
	}
	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return store.User{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "unknown user", nil)
	}
	return user, nil
}

// IssueSession mints a session token for a known user. Identity is assumed
// to be established by an upstream provider; this endpoint exists so the
// reference deployment is usable end to end.
func (s *Service) IssueSession(ctx context.Context, userID int64) (string, store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", store.User{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "unknown user", nil)
	}
	token, err := auth.IssueSessionToken([]byte(s.cfg.JWTSecret), user.ID, user.Name, 24*time.Hour)
	if err != nil {
		return "", store.User{}, fmt.Errorf("issue session: %w", err)
	}
	return token, user, nil
}

// evaluateAccess loads the document and its trackers and applies the same
// gate the client core uses.
func (s *Service) evaluateAccess(ctx context.Context, viewerID, documentID int64) (store.Document, []store.Tracker, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, nil, domainError(http.StatusNotFound, "DOCUMENT_NOT_FOUND", "document not found", nil)
		}
		return store.Document{}, nil, err
	}
	trackers, err := s.store.ListTrackers(ctx, documentID)
	if err != nil {
		return store.Document{}, nil, err
	}
	groups, err := s.store.UserGroups(ctx, viewerID)
	if err != nil {
		return store.Document{}, nil, err
	}
	verdict := access.Evaluate(toDocument(doc), viewerID, toTrackers(trackers), groups)
	if verdict == access.Lock {
		return store.Document{}, nil, domainError(http.StatusForbidden, "ACCESS_LOCKED", "viewer may not join this discussion", nil)
	}
	return doc, trackers, nil
}

// ListThreads returns the persisted threads of a document that involve the
// viewer, conversations included.
func (s *Service) ListThreads(ctx context.Context, viewerID, documentID int64) ([]thread.Thread, error) {
	doc, _, err := s.evaluateAccess(ctx, viewerID, documentID)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.ListThreads(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	threads := make([]thread.Thread, 0, len(rows))
	for _, row := range rows {
		t := toThread(row)
		if viewerID != doc.OwnerUserID && viewerID != doc.CreatorUserID && !t.Involves(viewerID) {
			continue
		}
		msgs, err := s.store.ListMessages(ctx, row.Identifier)
		if err != nil {
			return nil, err
		}
		t.Conversations = toMessages(msgs)
		threads = append(threads, t)
	}
	return threads, nil
}

// CreateThread promotes a client placeholder into a durable row, carrying
// the initiating message. Creation is idempotent on the
// (owner, recipient, pointer) triple: a duplicate returns the existing
// thread under a THREAD_EXISTS conflict.
func (s *Service) CreateThread(ctx context.Context, viewer store.User, req realtime.CreateThreadRequest) (thread.Thread, error) {
	if req.InitialMessage == "" {
		return thread.Thread{}, domainError(http.StatusBadRequest, "EMPTY_MESSAGE", "initial message is required", nil)
	}
	category := req.Category
	if !category.Valid() {
		return thread.Thread{}, domainError(http.StatusBadRequest, "INVALID_CATEGORY", fmt.Sprintf("unknown category %q", req.Category), nil)
	}
	if viewer.ID != req.ThreadOwnerID && viewer.ID != req.RecipientID {
		return thread.Thread{}, domainError(http.StatusForbidden, "NOT_PARTICIPANT", "caller is not a party to this thread", nil)
	}
	if _, _, err := s.evaluateAccess(ctx, viewer.ID, req.DocumentID); err != nil {
		return thread.Thread{}, err
	}

	row := store.Thread{
		Identifier:        uuid.NewString(),
		DocumentID:        req.DocumentID,
		PointerIdentifier: req.PointerIdentifier,
		ThreadOwnerID:     req.ThreadOwnerID,
		RecipientID:       req.RecipientID,
		Category:          string(category),
		Status:            thread.StatusPending,
		State:             thread.StateOpen,
	}

	if err := s.store.InsertThread(ctx, row); err != nil {
		if errors.Is(err, store.ErrThreadExists) {
			existing, lookupErr := s.store.GetThreadByPair(ctx, req.ThreadOwnerID, req.RecipientID, req.PointerIdentifier)
			if lookupErr != nil {
				return thread.Thread{}, fmt.Errorf("lookup existing thread: %w", lookupErr)
			}
			t := toThread(existing)
			msgs, lookupErr := s.store.ListMessages(ctx, existing.Identifier)
			if lookupErr == nil {
				t.Conversations = toMessages(msgs)
			}
			return thread.Thread{}, domainError(http.StatusConflict, "THREAD_EXISTS", "thread already exists for pair",
				map[string]any{"thread": t})
		}
		return thread.Thread{}, err
	}

	created, err := s.appendMessage(ctx, viewer, row.Identifier, req.DocumentID, req.InitialMessage, category, req.ClientRef)
	if err != nil {
		return thread.Thread{}, err
	}

	result := toThread(row)
	result.Status = thread.StatusActive
	result.Conversations = []thread.Message{created}

	s.publish(row.Identifier, realtime.ThreadCreated{Thread: result})
	s.publishConversations(ctx, row.Identifier)

	if s.search != nil {
		s.search.IndexThread(search.ThreadRecord{
			Identifier: row.Identifier,
			DocumentID: row.DocumentID,
			Category:   string(category),
			OwnerName:  viewer.Name,
		})
	}

	log.Info().
		Str("thread", row.Identifier).
		Int64("document", req.DocumentID).
		Int64("owner", req.ThreadOwnerID).
		Int64("recipient", req.RecipientID).
		Msg("thread created")
	return result, nil
}

// SendMessage appends a message to a persisted thread and fans the updated
// conversation list out to subscribers.
func (s *Service) SendMessage(ctx context.Context, viewer store.User, threadIdentifier string, req realtime.SendMessageRequest) (thread.Message, error) {
	if req.Body == "" {
		return thread.Message{}, domainError(http.StatusBadRequest, "EMPTY_MESSAGE", "message text is required", nil)
	}
	category := req.Category
	if !category.Valid() {
		category = thread.CategoryQuestion
	}

	row, err := s.store.GetThread(ctx, threadIdentifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return thread.Message{}, domainError(http.StatusNotFound, "THREAD_NOT_FOUND", "thread not found", nil)
		}
		return thread.Message{}, err
	}
	if !toThread(row).Involves(viewer.ID) {
		return thread.Message{}, domainError(http.StatusForbidden, "NOT_PARTICIPANT", "caller is not a party to this thread", nil)
	}

	msg, err := s.appendMessage(ctx, viewer, row.Identifier, row.DocumentID, req.Body, category, req.ClientRef)
	if err != nil {
		return thread.Message{}, err
	}

	s.publishConversations(ctx, row.Identifier)
	return msg, nil
}

func (s *Service) appendMessage(ctx context.Context, viewer store.User, threadIdentifier string, documentID int64, body string, category thread.Category, clientRef string) (thread.Message, error) {
	row := store.Message{
		ID:               uuid.NewString(),
		ThreadIdentifier: threadIdentifier,
		UserID:           viewer.ID,
		Body:             body,
		Category:         string(category),
		Delivered:        true,
		ClientRef:        clientRef,
	}
	if err := s.store.InsertMessage(ctx, row); err != nil {
		return thread.Message{}, err
	}

	stored, err := s.store.GetMessage(ctx, row.ID)
	if err != nil {
		return thread.Message{}, err
	}

	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:               stored.ID,
			ThreadIdentifier: threadIdentifier,
			DocumentID:       documentID,
			Category:         string(category),
			Body:             body,
			AuthorName:       viewer.Name,
		})
	}
	return toMessage(stored), nil
}

// MarkRead flags the other party's messages as read and pushes the updated
// conversation list.
func (s *Service) MarkRead(ctx context.Context, viewer store.User, threadIdentifier string) error {
	row, err := s.store.GetThread(ctx, threadIdentifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "THREAD_NOT_FOUND", "thread not found", nil)
		}
		return err
	}
	if !toThread(row).Involves(viewer.ID) {
		return domainError(http.StatusForbidden, "NOT_PARTICIPANT", "caller is not a party to this thread", nil)
	}
	if err := s.store.MarkThreadRead(ctx, threadIdentifier, viewer.ID); err != nil {
		return err
	}
	s.publishConversations(ctx, threadIdentifier)
	return nil
}

// ChannelToken authorizes a participant onto a thread's push channel.
func (s *Service) ChannelToken(ctx context.Context, viewer store.User, threadIdentifier string) (string, error) {
	row, err := s.store.GetThread(ctx, threadIdentifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domainError(http.StatusNotFound, "THREAD_NOT_FOUND", "thread not found", nil)
		}
		return "", err
	}
	if !toThread(row).Involves(viewer.ID) {
		return "", domainError(http.StatusForbidden, "NOT_PARTICIPANT", "caller is not a party to this thread", nil)
	}
	token, err := auth.IssueChannelToken([]byte(s.cfg.JWTSecret), viewer.ID, threadIdentifier, s.cfg.ChannelTTL)
	if err != nil {
		return "", fmt.Errorf("issue channel token: %w", err)
	}
	return token, nil
}

// ValidateChannelToken checks a channel token against the thread it claims.
func (s *Service) ValidateChannelToken(token, threadIdentifier string) (auth.ChannelClaims, error) {
	claims, err := auth.ParseChannelToken([]byte(s.cfg.JWTSecret), token)
	if err != nil || claims.ThreadIdentifier != threadIdentifier {
		return auth.ChannelClaims{}, domainError(http.StatusUnauthorized, "INVALID_CHANNEL_TOKEN", "channel token rejected", nil)
	}
	return claims, nil
}

// Conversations returns the current authoritative message list of a thread,
// used for the snapshot event on subscribe.
func (s *Service) Conversations(ctx context.Context, threadIdentifier string) ([]thread.Message, error) {
	msgs, err := s.store.ListMessages(ctx, threadIdentifier)
	if err != nil {
		return nil, err
	}
	return toMessages(msgs), nil
}

// User is the directory lookup for rendering participants.
func (s *Service) User(ctx context.Context, userID int64) (thread.Participant, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return thread.Participant{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "unknown user", nil)
		}
		return thread.Participant{}, err
	}
	return thread.Participant{ID: user.ID, Name: user.Name}, nil
}

// Search queries the discussion indexes.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) publishConversations(ctx context.Context, threadIdentifier string) {
	msgs, err := s.store.ListMessages(ctx, threadIdentifier)
	if err != nil {
		log.Error().Err(err).Str("thread", threadIdentifier).Msg("load conversations for publish")
		return
	}
	s.publish(threadIdentifier, realtime.MessageReceived{
		ThreadIdentifier: threadIdentifier,
		Conversations:    toMessages(msgs),
	})
}

func (s *Service) publish(threadIdentifier string, ev realtime.Event) {
	payload, err := realtime.EncodeEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("thread", threadIdentifier).Msg("encode push event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.broker.Publish(ctx, threadIdentifier, payload); err != nil {
		log.Error().Err(err).Str("thread", threadIdentifier).Msg("publish push event")
	}
}

func toDocument(d store.Document) thread.Document {
	return thread.Document{
		ID:                  d.ID,
		OwnerUserID:         d.OwnerUserID,
		CreatorUserID:       d.CreatorUserID,
		CurrentStagePointer: d.CurrentStagePointer,
	}
}

func toTrackers(rows []store.Tracker) []thread.Tracker {
	out := make([]thread.Tracker, 0, len(rows))
	for _, r := range rows {
		out = append(out, thread.Tracker{Identifier: r.Identifier, UserID: r.UserID, GroupID: r.GroupID})
	}
	return out
}

func toThread(row store.Thread) thread.Thread {
	return thread.Thread{
		Identifier:        row.Identifier,
		PointerIdentifier: row.PointerIdentifier,
		ThreadOwnerID:     row.ThreadOwnerID,
		RecipientID:       row.RecipientID,
		Category:          thread.Category(row.Category),
		Status:            row.Status,
		State:             row.State,
	}
}

func toMessage(row store.Message) thread.Message {
	return thread.Message{
		ID:           row.ID,
		User:         thread.Participant{ID: row.UserID, Name: row.UserName},
		Body:         row.Body,
		Category:     thread.Category(row.Category),
		CreatedAt:    row.CreatedAt,
		MarkedAsRead: row.MarkedAsRead,
		Delivered:    row.Delivered,
		ClientRef:    row.ClientRef,
	}
}

func toMessages(rows []store.Message) []thread.Message {
	out := make([]thread.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, toMessage(r))
	}
	return out
}
