// Package realtime owns the live connection to the message channel of the
// currently open thread: token acquisition, subscription lifecycle,
// connection state, and the outbound send path including placeholder-thread
// promotion.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parley/thread"
)

// ConnectionState describes the channel lifecycle for the active thread.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateFailed     ConnectionState = "failed"
)

var (
	// ErrSendInFlight guards against double-submit: a second send on the
	// same thread while the first is unresolved is rejected outright.
	ErrSendInFlight = errors.New("send already in flight for thread")

	// ErrNoActiveThread is returned when Send is called with no open thread.
	ErrNoActiveThread = errors.New("no active thread")

	// ErrEmptyMessage rejects blank outbound messages.
	ErrEmptyMessage = errors.New("message text is empty")
)

// ThreadExistsError is returned by API.CreateThread when another participant
// already promoted the same pair. The existing thread is adopted as if the
// creation had succeeded.
type ThreadExistsError struct {
	Existing thread.Thread
}

func (e *ThreadExistsError) Error() string {
	return fmt.Sprintf("thread already exists: %s", e.Existing.Identifier)
}

// CreateThreadRequest promotes a placeholder thread, carrying the initiating
// message so creation and first send are one round-trip.
type CreateThreadRequest struct {
	DocumentID        int64           `json:"documentId"`
	ThreadOwnerID     int64           `json:"threadOwnerId"`
	RecipientID       int64           `json:"recipientId"`
	PointerIdentifier int64           `json:"pointerIdentifier"`
	Category          thread.Category `json:"category"`
	InitialMessage    string          `json:"initialMessage"`
	ClientRef         string          `json:"clientRef"`
}

// SendMessageRequest appends a message to a persisted thread.
type SendMessageRequest struct {
	ThreadIdentifier string          `json:"threadIdentifier"`
	DocumentID       int64           `json:"documentId"`
	Body             string          `json:"message"`
	Category         thread.Category `json:"category"`
	ClientRef        string          `json:"clientRef"`
}

// API is the slice of the backend the manager depends on.
type API interface {
	CreateThread(ctx context.Context, req CreateThreadRequest) (thread.Thread, error)
	SendMessage(ctx context.Context, req SendMessageRequest) (thread.Message, error)
	ChannelToken(ctx context.Context, threadIdentifier string) (string, error)
}

// Subscriber opens a live event stream for one thread channel.
type Subscriber interface {
	Subscribe(ctx context.Context, threadIdentifier, token string) (Subscription, error)
}

// Subscription delivers decoded push events until closed. The Events channel
// closes when the stream drops or the subscribe context is cancelled.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Snapshot is the manager's UI-facing view, safe to render as-is.
type Snapshot struct {
	Thread        thread.Thread
	HasThread     bool
	State         ConnectionState
	Conversations []thread.Message
	Token         string
	TokenLoading  bool
}

// Config wires a Manager. API, Subscriber, and Promotions are required.
type Config struct {
	API        API
	Subscriber Subscriber
	Promotions *thread.PromotionTracker
	Viewer     thread.Participant
	Logger     zerolog.Logger
	// Timeout bounds token fetches and sends so a dead backend surfaces as
	// failure instead of hanging the caller. Defaults to 15s.
	Timeout time.Duration
	// OnChange is invoked (never concurrently with itself) after any state
	// visible through Snapshot changes.
	OnChange func()
	// OnThreadAdopted reports that a placeholder was promoted and which
	// server thread replaced it, so the thread-list owner can swap records.
	OnThreadAdopted func(placeholderID string, adopted thread.Thread)
}

// Manager drives the channel for exactly one active thread at a time.
// Selecting a different thread tears the old channel down; completions that
// arrive for an abandoned selection are discarded by generation check.
type Manager struct {
	api        API
	subscriber Subscriber
	promotions *thread.PromotionTracker
	viewer     thread.Participant
	log        zerolog.Logger
	timeout    time.Duration

	onChange        func()
	onThreadAdopted func(string, thread.Thread)

	mu         sync.Mutex
	gen        uint64
	cancel     context.CancelFunc
	state      ConnectionState
	active     thread.Thread
	hasActive  bool
	local      []thread.Message
	live       []thread.Message
	pending    []thread.Message
	token      string
	tokenBusy  bool
	inFlight   map[string]bool
	notifyMu   sync.Mutex
}

func NewManager(cfg Config) *Manager {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Manager{
		api:             cfg.API,
		subscriber:      cfg.Subscriber,
		promotions:      cfg.Promotions,
		viewer:          cfg.Viewer,
		log:             cfg.Logger,
		timeout:         timeout,
		onChange:        cfg.OnChange,
		onThreadAdopted: cfg.OnThreadAdopted,
		state:           StateIdle,
		inFlight:        make(map[string]bool),
	}
}

// Open makes th the active thread. Any previous subscription is torn down
// and its in-flight work abandoned before the new channel starts connecting.
func (m *Manager) Open(th thread.Thread) {
	m.mu.Lock()
	m.teardownLocked()
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.active = th
	m.hasActive = true
	m.local = append([]thread.Message(nil), th.Conversations...)
	m.live = nil
	m.pending = nil
	m.token = ""
	m.state = StateConnecting
	m.tokenBusy = true
	m.mu.Unlock()
	m.notify()

	go m.connect(ctx, gen, th.Identifier)
}

// Close deselects the active thread and returns the manager to idle.
func (m *Manager) Close() {
	m.mu.Lock()
	m.teardownLocked()
	m.gen++
	m.hasActive = false
	m.active = thread.Thread{}
	m.local, m.live, m.pending = nil, nil, nil
	m.token = ""
	m.tokenBusy = false
	m.state = StateIdle
	m.mu.Unlock()
	m.notify()
}

// Reconnect retries a failed connection. It is only meaningful from the
// failed state and is driven by explicit user action, never a retry loop.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.state != StateFailed || !m.hasActive {
		m.mu.Unlock()
		return
	}
	th := m.active
	m.mu.Unlock()
	m.Open(th)
}

// Snapshot returns the current renderable view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	view := thread.MergeConversations(m.live, m.local)
	view = append(view, m.pending...)
	return Snapshot{
		Thread:        m.active,
		HasThread:     m.hasActive,
		State:         m.state,
		Conversations: view,
		Token:         m.token,
		TokenLoading:  m.tokenBusy,
	}
}

// teardownLocked cancels the current generation's context so stale token
// fetches, subscriptions, and event loops become no-ops.
func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Manager) notify() {
	if m.onChange == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.onChange()
}

func (m *Manager) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.gen
}

func (m *Manager) connect(ctx context.Context, gen uint64, threadID string) {
	tokenCtx, cancel := context.WithTimeout(ctx, m.timeout)
	token, err := m.api.ChannelToken(tokenCtx, threadID)
	cancel()
	if m.stale(gen) {
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Str("thread", threadID).Msg("channel token fetch failed")
		m.mu.Lock()
		m.tokenBusy = false
		m.state = StateFailed
		m.mu.Unlock()
		m.notify()
		return
	}

	m.mu.Lock()
	m.token = token
	m.tokenBusy = false
	m.mu.Unlock()
	m.notify()

	// One immediate resubscribe after a drop; beyond that the user decides
	// via Reconnect so a flapping broker is not hammered.
	for attempt := 0; attempt < 2; attempt++ {
		sub, err := m.subscriber.Subscribe(ctx, threadID, token)
		if m.stale(gen) {
			if err == nil {
				_ = sub.Close()
			}
			return
		}
		if err != nil {
			m.log.Warn().Err(err).Str("thread", threadID).Msg("channel subscribe failed")
			m.setState(gen, StateFailed)
			return
		}

		m.setState(gen, StateConnected)
		m.consume(gen, sub)
		_ = sub.Close()

		if m.stale(gen) || ctx.Err() != nil {
			return
		}
		m.log.Info().Str("thread", threadID).Msg("channel dropped, resubscribing")
		m.setState(gen, StateConnecting)
	}
	m.setState(gen, StateFailed)
}

func (m *Manager) setState(gen uint64, s ConnectionState) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.notify()
}

// consume drains the subscription until it closes, applying events that
// belong to the current generation and thread.
func (m *Manager) consume(gen uint64, sub Subscription) {
	for ev := range sub.Events() {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		switch ev := ev.(type) {
		case MessageReceived:
			if ev.ThreadIdentifier != m.active.Identifier {
				m.mu.Unlock()
				continue
			}
			m.live = ev.Conversations
			m.prunePendingLocked()
		case ThreadUpdated:
			if ev.Thread.Identifier != m.active.Identifier {
				m.mu.Unlock()
				continue
			}
			m.active.Category = ev.Thread.Category
			m.active.Status = ev.Thread.Status
			m.active.State = ev.Thread.State
		case ThreadCreated:
			m.promotions.MarkPersisted(ev.Thread.Identifier)
		}
		m.mu.Unlock()
		m.notify()
	}
}

// prunePendingLocked drops optimistic entries that the live array now
// carries, matched by client ref.
func (m *Manager) prunePendingLocked() {
	if len(m.pending) == 0 {
		return
	}
	confirmed := make(map[string]struct{}, len(m.live))
	for _, msg := range m.live {
		if msg.ClientRef != "" {
			confirmed[msg.ClientRef] = struct{}{}
		}
	}
	kept := m.pending[:0:0]
	for _, msg := range m.pending {
		if _, ok := confirmed[msg.ClientRef]; !ok {
			kept = append(kept, msg)
		}
	}
	m.pending = kept
}

// Send delivers one message on the active thread. If the thread is still a
// placeholder the send is preceded by a creation request carrying the
// message, and the returned server thread replaces the placeholder. On any
// failure the optimistic entry is rolled back and the caller keeps the text;
// nothing here clears caller-owned input state.
func (m *Manager) Send(ctx context.Context, documentID int64, body string, category thread.Category) (*thread.Message, error) {
	if body == "" {
		return nil, ErrEmptyMessage
	}
	if !category.Valid() {
		category = thread.CategoryQuestion
	}

	m.mu.Lock()
	if !m.hasActive {
		m.mu.Unlock()
		return nil, ErrNoActiveThread
	}
	th := m.active
	gen := m.gen
	if m.inFlight[th.Identifier] {
		m.mu.Unlock()
		return nil, ErrSendInFlight
	}
	m.inFlight[th.Identifier] = true
	clientRef := uuid.NewString()
	optimistic := thread.Message{
		User:      m.viewer,
		Body:      body,
		Category:  category,
		CreatedAt: time.Now(),
		ClientRef: clientRef,
	}
	m.pending = append(m.pending, optimistic)
	m.mu.Unlock()
	m.notify()

	confirmed, err := m.deliver(ctx, documentID, th, body, category, clientRef)

	m.mu.Lock()
	delete(m.inFlight, th.Identifier)
	if gen != m.gen {
		// The user switched threads while the send was in flight. The
		// result must not leak into the new thread's state.
		m.mu.Unlock()
		return confirmed, err
	}
	m.pending = thread.DropOptimistic(m.pending, clientRef)
	if err == nil && confirmed != nil {
		m.local = thread.ReplaceOptimistic(m.local, *confirmed)
		if len(m.live) > 0 {
			m.live = thread.ReplaceOptimistic(m.live, *confirmed)
		}
	}
	m.mu.Unlock()
	m.notify()
	return confirmed, err
}

func (m *Manager) deliver(ctx context.Context, documentID int64, th thread.Thread, body string, category thread.Category, clientRef string) (*thread.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if !m.promotions.IsPersisted(th.Identifier) {
		created, err := m.api.CreateThread(ctx, CreateThreadRequest{
			DocumentID:        documentID,
			ThreadOwnerID:     th.ThreadOwnerID,
			RecipientID:       th.RecipientID,
			PointerIdentifier: th.PointerIdentifier,
			Category:          category,
			InitialMessage:    body,
			ClientRef:         clientRef,
		})
		if err != nil {
			var exists *ThreadExistsError
			if !errors.As(err, &exists) {
				return nil, fmt.Errorf("create thread: %w", err)
			}
			// Someone else won the race to promote this pair. Adopt their
			// thread and send the message there instead.
			m.adopt(th.Identifier, exists.Existing)
			msg, err := m.api.SendMessage(ctx, SendMessageRequest{
				ThreadIdentifier: exists.Existing.Identifier,
				DocumentID:       documentID,
				Body:             body,
				Category:         category,
				ClientRef:        clientRef,
			})
			if err != nil {
				return nil, fmt.Errorf("send message: %w", err)
			}
			return &msg, nil
		}
		m.adopt(th.Identifier, created)
		if msg, ok := findByClientRef(created.Conversations, clientRef); ok {
			return &msg, nil
		}
		if n := len(created.Conversations); n > 0 {
			msg := created.Conversations[n-1]
			return &msg, nil
		}
		return nil, fmt.Errorf("create thread: response carried no message")
	}

	msg, err := m.api.SendMessage(ctx, SendMessageRequest{
		ThreadIdentifier: th.Identifier,
		DocumentID:       documentID,
		Body:             body,
		Category:         category,
		ClientRef:        clientRef,
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &msg, nil
}

// adopt records a promotion: the server thread is marked persisted, the
// active placeholder (if it is the one being promoted) is swapped for the
// server record, and the thread-list owner is informed.
func (m *Manager) adopt(placeholderID string, adopted thread.Thread) {
	m.promotions.MarkPersisted(adopted.Identifier)
	m.mu.Lock()
	if m.hasActive && m.active.Identifier == placeholderID {
		conversations := m.local
		m.active = adopted
		m.active.Conversations = nil
		m.local = conversations
	}
	m.mu.Unlock()
	if m.onThreadAdopted != nil {
		m.onThreadAdopted(placeholderID, adopted)
	}
}

func findByClientRef(msgs []thread.Message, clientRef string) (thread.Message, bool) {
	for _, m := range msgs {
		if m.ClientRef == clientRef {
			return m, true
		}
	}
	return thread.Message{}, false
}
