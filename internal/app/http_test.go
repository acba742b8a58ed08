package app

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"parley/internal/config"
	"parley/internal/pubsub"
	"parley/internal/store"
	"parley/realtime"
	"parley/thread"
)

func newTestServer(t *testing.T, fs *fakeStore) (*httptest.Server, *Service, *pubsub.Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	broker := pubsub.NewBrokerWithClient(client)

	cfg := config.Config{JWTSecret: "test-secret", ChannelTTL: time.Minute}
	service := New(cfg, fs, broker, nil)
	httpServer := NewHTTPServer(service, broker, "*", 100, 100)
	server := httptest.NewServer(httpServer.Handler())
	t.Cleanup(server.Close)
	return server, service, broker
}

func sessionFor(t *testing.T, service *Service, userID int64) string {
	t.Helper()
	token, _, err := service.IssueSession(context.Background(), userID)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return token
}

func doRequest(t *testing.T, method, url, token, body string) (*http.Response, []byte) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var buf strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 16<<10), 1<<20)
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
	}
	return resp, []byte(buf.String())
}

func TestHealthAndReady(t *testing.T) {
	server, _, _ := newTestServer(t, workflowStore())

	resp, _ := doRequest(t, http.MethodGet, server.URL+"/api/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, body := doRequest(t, http.MethodGet, server.URL+"/api/ready", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
}

func TestRequestsWithoutSessionAreRejected(t *testing.T) {
	server, _, _ := newTestServer(t, workflowStore())

	resp, body := doRequest(t, http.MethodGet, server.URL+"/api/documents/7/threads", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", resp.StatusCode, body)
	}
	var envelope struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED envelope, got %s", body)
	}
}

func TestListThreadsEndpoint(t *testing.T) {
	fs := workflowStore()
	fs.listThreads = func(ctx context.Context, id int64) ([]store.Thread, error) {
		return []store.Thread{{Identifier: "srv-1", DocumentID: 7, ThreadOwnerID: 30, RecipientID: 10, Category: "queried"}}, nil
	}
	server, service, _ := newTestServer(t, fs)
	token := sessionFor(t, service, 30)

	resp, body := doRequest(t, http.MethodGet, server.URL+"/api/documents/7/threads", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var payload struct {
		Threads []thread.Thread `json:"threads"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Threads) != 1 || payload.Threads[0].Category != thread.CategoryQueried {
		t.Fatalf("unexpected payload: %s", body)
	}

	resp, body = doRequest(t, http.MethodGet, server.URL+"/api/documents/999/threads", token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown document, got %d: %s", resp.StatusCode, body)
	}
}

func TestCreateThreadEndpointConflictEnvelope(t *testing.T) {
	fs := workflowStore()
	fs.insertThread = func(ctx context.Context, th store.Thread) error {
		return store.ErrThreadExists
	}
	fs.getThreadByPair = func(ctx context.Context, owner, recipient, pointer int64) (store.Thread, error) {
		return store.Thread{Identifier: "srv-theirs", ThreadOwnerID: owner, RecipientID: recipient, PointerIdentifier: pointer, Category: "question"}, nil
	}
	server, service, _ := newTestServer(t, fs)
	token := sessionFor(t, service, 30)

	reqBody := `{"documentId":7,"threadOwnerId":30,"recipientId":10,"pointerIdentifier":300,"category":"question","initialMessage":"hi","clientRef":"ref-1"}`
	resp, body := doRequest(t, http.MethodPost, server.URL+"/api/threads", token, reqBody)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", resp.StatusCode, body)
	}

	var envelope struct {
		Code    string `json:"code"`
		Details struct {
			Thread thread.Thread `json:"thread"`
		} `json:"details"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Code != "THREAD_EXISTS" || envelope.Details.Thread.Identifier != "srv-theirs" {
		t.Fatalf("unexpected envelope: %s", body)
	}
}

func TestUnknownRouteReturnsEnvelope(t *testing.T) {
	server, service, _ := newTestServer(t, workflowStore())
	token := sessionFor(t, service, 30)

	resp, body := doRequest(t, http.MethodGet, server.URL+"/api/nope", token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.StatusCode, body)
	}
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	fs := workflowStore()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	broker := pubsub.NewBrokerWithClient(client)

	cfg := config.Config{JWTSecret: "test-secret", ChannelTTL: time.Minute}
	service := New(cfg, fs, broker, nil)
	httpServer := NewHTTPServer(service, broker, "*", 1, 1)
	server := httptest.NewServer(httpServer.Handler())
	t.Cleanup(server.Close)

	token := sessionFor(t, service, 30)
	reqBody := `{"documentId":7,"threadOwnerId":30,"recipientId":10,"pointerIdentifier":300,"category":"question","initialMessage":"hi"}`

	limited := false
	for i := 0; i < 5; i++ {
		resp, _ := doRequest(t, http.MethodPost, server.URL+"/api/threads", token, reqBody)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected a 429 after burst exhaustion")
	}
}

func TestEventsEndpointStreamsSnapshotAndPublishes(t *testing.T) {
	fs := workflowStore()
	fs.getThread = func(ctx context.Context, id string) (store.Thread, error) {
		return store.Thread{Identifier: "srv-1", ThreadOwnerID: 30, RecipientID: 10}, nil
	}
	fs.listMessages = func(ctx context.Context, id string) ([]store.Message, error) {
		return []store.Message{{ID: "m1", ThreadIdentifier: "srv-1", UserID: 30, UserName: "Rivka", Body: "hello"}}, nil
	}
	server, service, broker := newTestServer(t, fs)

	channelToken, err := service.ChannelToken(context.Background(), store.User{ID: 30}, "srv-1")
	if err != nil {
		t.Fatalf("channel token: %v", err)
	}

	// a bad token is rejected before any stream starts
	resp, _ := doRequest(t, http.MethodGet, server.URL+"/api/threads/srv-1/events?token=bogus", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad channel token, got %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/threads/srv-1/events?token="+channelToken, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer streamResp.Body.Close()
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", streamResp.StatusCode)
	}
	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}

	events := make(chan realtime.Event, 4)
	go func() {
		scanner := bufio.NewScanner(streamResp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			ev, err := realtime.DecodeEvent([]byte(strings.TrimPrefix(line, "data: ")))
			if err == nil {
				events <- ev
			}
		}
	}()

	// the snapshot event arrives first
	select {
	case ev := <-events:
		received, ok := ev.(realtime.MessageReceived)
		if !ok || len(received.Conversations) != 1 || received.Conversations[0].Body != "hello" {
			t.Fatalf("unexpected snapshot event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot event never arrived")
	}

	// a broker publish flows through to the stream
	payload, _ := realtime.EncodeEvent(realtime.ThreadUpdated{Thread: thread.Thread{Identifier: "srv-1", State: thread.StateResolved}})
	if err := broker.Publish(context.Background(), "srv-1", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-events:
		updated, ok := ev.(realtime.ThreadUpdated)
		if !ok || updated.Thread.State != thread.StateResolved {
			t.Fatalf("unexpected pushed event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("published event never arrived on the stream")
	}
}
