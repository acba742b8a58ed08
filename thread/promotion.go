package thread

import "sync"

// PromotionTracker records which thread identifiers are known to exist as
// durable rows server-side. The first outbound message on a thread that is
// not yet persisted must trigger exactly one creation request; every message
// after that reuses the established identifier.
//
// Entries only ever go from unknown to persisted, never back.
type PromotionTracker struct {
	mu        sync.Mutex
	persisted map[string]bool
}

func NewPromotionTracker() *PromotionTracker {
	return &PromotionTracker{persisted: make(map[string]bool)}
}

// Seed marks every thread in the externally supplied persisted list. Safe to
// call repeatedly as the thread list refreshes.
func (p *PromotionTracker) Seed(threads []Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range threads {
		if !t.Placeholder() {
			p.persisted[t.Identifier] = true
		}
	}
}

// IsPersisted returns false for unknown identifiers.
func (p *PromotionTracker) IsPersisted(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persisted[id]
}

// MarkPersisted is idempotent.
func (p *PromotionTracker) MarkPersisted(id string) {
	p.mu.Lock()
	p.persisted[id] = true
	p.mu.Unlock()
}
