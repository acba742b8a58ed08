// Package discussion ties the access gate, thread synthesis, and the
// realtime channel manager together behind one UI-facing controller. The
// controller is the single owner of the shared thread list and the promotion
// map; every write funnels through it so a send-triggered promotion cannot
// race a background refresh.
package discussion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"parley/access"
	"parley/realtime"
	"parley/thread"
)

// ErrLocked is returned for thread operations while the viewer is locked out
// of the document's discussion.
var ErrLocked = errors.New("discussion access is locked")

// ErrUnknownThread is returned when selecting an identifier that is not in
// the current thread list.
var ErrUnknownThread = errors.New("unknown thread identifier")

// ThreadLister retrieves the persisted threads of a document.
type ThreadLister interface {
	ListThreads(ctx context.Context, documentID int64) ([]thread.Thread, error)
}

// Config assembles a Controller for one document and viewer.
type Config struct {
	Document     thread.Document
	Viewer       thread.Participant
	ViewerGroups []int64
	Trackers     []thread.Tracker

	Lister     ThreadLister
	API        realtime.API
	Subscriber realtime.Subscriber
	Logger     zerolog.Logger

	// OnChange fires after any state visible through Threads or Snapshot
	// changes.
	OnChange func()
}

// Controller exposes the discussion of one document: the access verdict, the
// synthesized thread list, selection, and outbound sends.
type Controller struct {
	doc      thread.Document
	viewer   thread.Participant
	groups   []int64
	trackers []thread.Tracker
	lister   ThreadLister
	log      zerolog.Logger
	onChange func()

	synth      *thread.Synthesizer
	promotions *thread.PromotionTracker
	manager    *realtime.Manager
	level      access.Level

	mu        sync.Mutex
	persisted []thread.Thread
	version   uint64

	// memoized synthesis, keyed by the thread-list version
	threads        []thread.Thread
	threadsVersion uint64
	threadsValid   bool
}

func New(cfg Config) *Controller {
	c := &Controller{
		doc:        cfg.Document,
		viewer:     cfg.Viewer,
		groups:     append([]int64(nil), cfg.ViewerGroups...),
		trackers:   append([]thread.Tracker(nil), cfg.Trackers...),
		lister:     cfg.Lister,
		log:        cfg.Logger,
		onChange:   cfg.OnChange,
		synth:      thread.NewSynthesizer(),
		promotions: thread.NewPromotionTracker(),
	}
	c.level = access.Evaluate(c.doc, c.viewer.ID, c.trackers, c.groups)
	c.manager = realtime.NewManager(realtime.Config{
		API:             cfg.API,
		Subscriber:      cfg.Subscriber,
		Promotions:      c.promotions,
		Viewer:          cfg.Viewer,
		Logger:          cfg.Logger,
		OnChange:        cfg.OnChange,
		OnThreadAdopted: c.adoptThread,
	})
	return c
}

// AccessLevel is the gate verdict computed at construction.
func (c *Controller) AccessLevel() access.Level { return c.level }

// Refresh reloads the persisted thread list from the backend. A locked
// viewer gets no threads and no network call.
func (c *Controller) Refresh(ctx context.Context) error {
	if c.level == access.Lock {
		return ErrLocked
	}
	threads, err := c.lister.ListThreads(ctx, c.doc.ID)
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	c.setThreads(threads)
	return nil
}

// Threads returns the synthesized list: persisted threads for the current
// stage first, pinned placeholders appended. The synthesis is memoized on
// the thread-list version, so repeated calls between writes return identical
// placeholder identifiers.
func (c *Controller) Threads() []thread.Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.level == access.Lock {
		return nil
	}
	if c.threadsValid && c.threadsVersion == c.version {
		return c.threads
	}
	c.threads = c.synth.Synthesize(c.doc, c.viewer.ID, c.trackers, c.persisted)
	c.threadsVersion = c.version
	c.threadsValid = true
	return c.threads
}

// Select opens the realtime channel for the thread with the given
// identifier, tearing down whichever channel was open before.
func (c *Controller) Select(identifier string) error {
	if c.level == access.Lock {
		return ErrLocked
	}
	for _, t := range c.Threads() {
		if t.Identifier == identifier {
			c.manager.Open(t)
			return nil
		}
	}
	return ErrUnknownThread
}

// Deselect closes the active channel.
func (c *Controller) Deselect() { c.manager.Close() }

// Reconnect retries a failed channel on user request.
func (c *Controller) Reconnect() { c.manager.Reconnect() }

// Send delivers a message on the selected thread, promoting it first when it
// is still a placeholder. The caller keeps its input text until a non-nil
// message comes back.
func (c *Controller) Send(ctx context.Context, body string, category thread.Category) (*thread.Message, error) {
	if c.level == access.Lock {
		return nil, ErrLocked
	}
	return c.manager.Send(ctx, c.doc.ID, body, category)
}

// Snapshot exposes the channel manager's renderable view.
func (c *Controller) Snapshot() realtime.Snapshot { return c.manager.Snapshot() }

// setThreads is the single write path for the persisted list.
func (c *Controller) setThreads(threads []thread.Thread) {
	c.promotions.Seed(threads)
	c.mu.Lock()
	c.persisted = threads
	c.version++
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange()
	}
}

// adoptThread swaps a promoted placeholder for its server-side thread and
// reopens the channel under the durable identifier. The conversation keeps
// rendering across the swap.
func (c *Controller) adoptThread(placeholderID string, adopted thread.Thread) {
	c.mu.Lock()
	replaced := false
	for i, t := range c.persisted {
		if t.Identifier == adopted.Identifier {
			c.persisted[i] = adopted
			replaced = true
			break
		}
	}
	if !replaced {
		c.persisted = append(c.persisted, adopted)
	}
	c.version++
	c.mu.Unlock()

	c.synth.Forget(thread.PairKey{
		OwnerID:     adopted.ThreadOwnerID,
		RecipientID: adopted.RecipientID,
		Pointer:     adopted.PointerIdentifier,
	})
	c.log.Debug().
		Str("placeholder", placeholderID).
		Str("thread", adopted.Identifier).
		Msg("placeholder promoted")

	c.manager.Open(adopted)
	if c.onChange != nil {
		c.onChange()
	}
}
