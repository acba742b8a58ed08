package thread

import "sort"

// MergeConversations produces the renderable view of a thread's messages.
//
// The live array, when non-empty, is authoritative and used wholesale; the
// locally cached array is only a fallback for the window between selecting a
// thread and the first push event. The two sources are never interleaved.
// The chosen source is deduplicated by server id (push delivery is
// at-least-once) and sorted ascending by CreatedAt with a stable tie-break
// on original position, since timestamps have second resolution.
func MergeConversations(live, local []Message) []Message {
	src := live
	if len(src) == 0 {
		src = local
	}

	out := make([]Message, 0, len(src))
	seen := make(map[string]struct{}, len(src))
	for _, m := range src {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ReplaceOptimistic swaps a locally appended optimistic entry for the
// server-confirmed copy, matching on the ClientRef correlation id
// established at send time. When no optimistic entry matches, the confirmed
// message is appended (its push-event echo may have arrived first; the id
// dedupe in MergeConversations keeps the view single-copy either way).
func ReplaceOptimistic(conversations []Message, confirmed Message) []Message {
	if confirmed.ClientRef != "" {
		for i, m := range conversations {
			if m.ClientRef == confirmed.ClientRef {
				out := make([]Message, len(conversations))
				copy(out, conversations)
				out[i] = confirmed
				return out
			}
		}
	}
	for _, m := range conversations {
		if confirmed.ID != "" && m.ID == confirmed.ID {
			return conversations
		}
	}
	return append(conversations, confirmed)
}

// DropOptimistic removes a pending optimistic entry, used to roll back local
// state when a send fails.
func DropOptimistic(conversations []Message, clientRef string) []Message {
	if clientRef == "" {
		return conversations
	}
	out := conversations[:0:0]
	for _, m := range conversations {
		if m.ClientRef == clientRef && m.ID == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}
