package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"parley/internal/pubsub"
	"parley/internal/search"
	"parley/internal/store"
	"parley/realtime"
)

type HTTPServer struct {
	service    *Service
	broker     *pubsub.Broker
	corsOrigin string
	limiter    *ipLimiter
}

func NewHTTPServer(service *Service, broker *pubsub.Broker, corsOrigin string, rps float64, burst int) *HTTPServer {
	return &HTTPServer{
		service:    service,
		broker:     broker,
		corsOrigin: corsOrigin,
		limiter:    newIPLimiter(rps, burst),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/session" {
		s.handleIssueSession(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// GET /api/threads/{identifier}/events authenticates with a channel
	// token instead of a session, so EventSource clients can connect.
	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "threads" && parts[3] == "events" {
		s.handleEvents(w, r, parts[2])
		return
	}

	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "documents" && parts[3] == "threads":
		s.handleListThreads(w, r, session, parts[2])
	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "api" && parts[1] == "threads":
		s.handleCreateThread(w, r, session)
	case r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "threads" && parts[3] == "messages":
		s.handleSendMessage(w, r, session, parts[2])
	case r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "threads" && parts[3] == "read":
		s.handleMarkRead(w, r, session, parts[2])
	case r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "threads" && parts[3] == "token":
		s.handleChannelToken(w, r, session, parts[2])
	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "users":
		s.handleGetUser(w, r, session, parts[2])
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "api" && parts[1] == "search":
		s.handleSearch(w, r, session)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingBroker(ctx); err != nil {
		status = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, status, map[string]any{"ok": status == http.StatusOK, "checks": checks})
}

func (s *HTTPServer) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	var input struct {
		UserID int64 `json:"userId"`
	}
	if err := decodeBody(r, &input); err != nil || input.UserID == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "userId is required", nil)
		return
	}
	token, user, err := s.service.IssueSession(r.Context(), input.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  map[string]any{"id": user.ID, "name": user.Name},
	})
}

func (s *HTTPServer) handleListThreads(w http.ResponseWriter, r *http.Request, session store.User, rawDocumentID string) {
	documentID, err := strconv.ParseInt(rawDocumentID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid document id", nil)
		return
	}
	threads, err := s.service.ListThreads(r.Context(), session.ID, documentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request, session store.User) {
	if !s.limiter.allow(r) {
		writeRateLimited(w)
		return
	}
	var req realtime.CreateThreadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed body", nil)
		return
	}
	created, err := s.service.CreateThread(r.Context(), session, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"thread": created})
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, session store.User, threadIdentifier string) {
	if !s.limiter.allow(r) {
		writeRateLimited(w)
		return
	}
	var req realtime.SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed body", nil)
		return
	}
	msg, err := s.service.SendMessage(r.Context(), session, threadIdentifier, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request, session store.User, threadIdentifier string) {
	if err := s.service.MarkRead(r.Context(), session, threadIdentifier); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleChannelToken(w http.ResponseWriter, r *http.Request, session store.User, threadIdentifier string) {
	token, err := s.service.ChannelToken(r.Context(), session, threadIdentifier)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (s *HTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request, _ store.User, rawUserID string) {
	userID, err := strconv.ParseInt(rawUserID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid user id", nil)
		return
	}
	user, err := s.service.User(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, _ store.User) {
	q := search.Query{Text: r.URL.Query().Get("q")}
	if raw := r.URL.Query().Get("documentId"); raw != "" {
		q.DocumentID, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw := r.URL.Query().Get("type"); raw != "" {
		q.FilterType = search.ResultType(raw)
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		q.Limit, _ = strconv.Atoi(raw)
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

// handleEvents streams push events for one thread over SSE. The channel
// token carried in the query string gates the subscription; an initial
// snapshot event delivers the authoritative conversation list before live
// events start flowing.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, threadIdentifier string) {
	claims, err := s.service.ValidateChannelToken(r.URL.Query().Get("token"), threadIdentifier)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAM_UNSUPPORTED", "response writer cannot stream", nil)
		return
	}

	ctx := r.Context()
	events, stop := s.broker.Subscribe(ctx, threadIdentifier)
	defer func() { _ = stop() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshot, err := s.snapshotEvent(ctx, threadIdentifier)
	if err != nil {
		log.Error().Err(err).Str("thread", threadIdentifier).Msg("build snapshot event")
		return
	}
	writeSSE(w, snapshot)
	flusher.Flush()

	log.Debug().
		Str("thread", threadIdentifier).
		Int64("user", claims.UserID).
		Msg("channel subscribed")

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, payload)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) snapshotEvent(ctx context.Context, threadIdentifier string) ([]byte, error) {
	conversations, err := s.service.Conversations(ctx, threadIdentifier)
	if err != nil {
		return nil, err
	}
	return realtime.EncodeEvent(realtime.MessageReceived{
		ThreadIdentifier: threadIdentifier,
		Conversations:    conversations,
	})
}

func writeSSE(w http.ResponseWriter, payload []byte) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func (s *HTTPServer) sessionFromRequest(r *http.Request) (store.User, error) {
	token := bearerToken(r)
	if token == "" {
		return store.User{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
	}
	return s.service.Session(r.Context(), token)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets the recorder pass streaming through to the underlying writer.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeDomainError(w http.ResponseWriter, err error) {
	var domain *DomainError
	if errors.As(err, &domain) {
		writeError(w, domain.Status, domain.Code, domain.Message, domain.Details)
		return
	}
	log.Error().Err(err).Msg("internal error")
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}

func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "slow down", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	return decoder.Decode(target)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
