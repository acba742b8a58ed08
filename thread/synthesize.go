package thread

import (
	"sync"

	"github.com/google/uuid"
)

const placeholderPrefix = "tmp_"

// PairKey identifies one conversational pairing at one workflow stage. At
// most one thread, persisted or placeholder, may exist per key.
type PairKey struct {
	OwnerID     int64
	RecipientID int64
	Pointer     int64
}

// Synthesizer derives the set of threads that should exist for a document at
// its current stage: all persisted threads for the stage, plus placeholders
// for pairings that have no history yet.
//
// Placeholder identifiers are minted once per pair and pinned for the
// lifetime of the Synthesizer, so re-running the derivation on every
// dependency change yields the same identifiers instead of leaking a fresh
// placeholder per call.
type Synthesizer struct {
	mu     sync.Mutex
	pinned map[PairKey]string
}

func NewSynthesizer() *Synthesizer {
	return &Synthesizer{pinned: make(map[PairKey]string)}
}

// Synthesize returns the ordered thread list for the viewer: persisted
// threads first, placeholders appended. The known list is taken as the
// authoritative set of persisted threads for the document.
//
// Candidate pairings follow the viewer's role:
//   - viewer is owner but not creator: (owner, creator)
//   - viewer is neither owner nor creator: (viewer, owner) and, when the
//     creator is a distinct person, (viewer, creator)
//   - viewer is the creator, or both owner and creator: nothing to add
func (s *Synthesizer) Synthesize(doc Document, viewerID int64, trackers []Tracker, known []Thread) []Thread {
	current, ok := currentTracker(doc, trackers)
	if !ok {
		// The access gate should have locked this case already.
		return nil
	}

	var out []Thread
	for _, t := range known {
		if t.PointerIdentifier == current.Identifier {
			out = append(out, t)
		}
	}

	for _, pair := range candidatePairs(doc, viewerID) {
		key := PairKey{OwnerID: pair.OwnerID, RecipientID: pair.RecipientID, Pointer: current.Identifier}
		if hasPair(out, key) {
			continue
		}
		out = append(out, Thread{
			Identifier:        s.placeholderID(key),
			PointerIdentifier: current.Identifier,
			ThreadOwnerID:     key.OwnerID,
			RecipientID:       key.RecipientID,
			Category:          CategoryQuestion,
			Conversations:     []Message{},
			Status:            StatusPending,
			State:             StateOpen,
		})
	}
	return out
}

// Forget drops the pinned placeholder identifier for a pair. Called once the
// pair has been promoted and the placeholder replaced by a server thread.
func (s *Synthesizer) Forget(key PairKey) {
	s.mu.Lock()
	delete(s.pinned, key)
	s.mu.Unlock()
}

func (s *Synthesizer) placeholderID(key PairKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pinned[key]; ok {
		return id
	}
	id := placeholderPrefix + uuid.NewString()
	s.pinned[key] = id
	return id
}

type pair struct {
	OwnerID     int64
	RecipientID int64
}

func candidatePairs(doc Document, viewerID int64) []pair {
	owner, creator := doc.OwnerUserID, doc.CreatorUserID
	switch {
	case viewerID == owner && viewerID == creator:
		return nil
	case viewerID == owner:
		return []pair{{OwnerID: owner, RecipientID: creator}}
	case viewerID == creator:
		return nil
	case owner == creator:
		return []pair{{OwnerID: viewerID, RecipientID: owner}}
	default:
		return []pair{
			{OwnerID: viewerID, RecipientID: owner},
			{OwnerID: viewerID, RecipientID: creator},
		}
	}
}

func hasPair(threads []Thread, key PairKey) bool {
	for _, t := range threads {
		if t.ThreadOwnerID == key.OwnerID && t.RecipientID == key.RecipientID && t.PointerIdentifier == key.Pointer {
			return true
		}
	}
	return false
}

func currentTracker(doc Document, trackers []Tracker) (Tracker, bool) {
	for _, tr := range trackers {
		if tr.Identifier == doc.CurrentStagePointer {
			return tr, true
		}
	}
	return Tracker{}, false
}
