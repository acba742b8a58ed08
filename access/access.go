// Package access decides whether a viewer may see and participate in the
// discussion threads of a document. The verdict is a hard gate evaluated once
// per document/viewer/tracker change, before any thread is synthesized.
package access

import "parley/thread"

// Level is the access verdict for a viewer on a document.
type Level string

const (
	Allow Level = "allow"
	Lock  Level = "lock"
)

// Evaluate applies the gating rule:
//
//   - the document's owner and creator are always allowed;
//   - otherwise the tracker assigned to the document's current stage decides:
//     a named tracker admits exactly that user, a group tracker (UserID == 0)
//     admits any member of its group;
//   - no tracker for the current stage locks the document (fail closed).
func Evaluate(doc thread.Document, viewerID int64, trackers []thread.Tracker, viewerGroups []int64) Level {
	if viewerID == doc.OwnerUserID || viewerID == doc.CreatorUserID {
		return Allow
	}

	for _, tr := range trackers {
		if tr.Identifier != doc.CurrentStagePointer {
			continue
		}
		if tr.UserID == viewerID {
			return Allow
		}
		if tr.UserID == 0 && memberOf(viewerGroups, tr.GroupID) {
			return Allow
		}
		return Lock
	}
	return Lock
}

func memberOf(groups []int64, groupID int64) bool {
	for _, g := range groups {
		if g == groupID {
			return true
		}
	}
	return false
}
