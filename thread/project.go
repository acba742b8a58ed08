package thread

// Derived-state lookups consumed by the rendering layer. Unknown categories
// get a neutral fallback rather than an error.

var categoryColors = map[Category]string{
	CategoryQueried:   "amber",
	CategoryEscalated: "red",
	CategoryReviewed:  "green",
	CategoryQuestion:  "blue",
}

var categoryIcons = map[Category]string{
	CategoryQueried:   "help-circle",
	CategoryEscalated: "alert-triangle",
	CategoryReviewed:  "check-circle",
	CategoryQuestion:  "message-circle",
}

func CategoryColor(c Category) string {
	if color, ok := categoryColors[c]; ok {
		return color
	}
	return "gray"
}

func CategoryIcon(c Category) string {
	if icon, ok := categoryIcons[c]; ok {
		return icon
	}
	return "message-square"
}

// UnreadCount counts conversations not yet marked read. All unread flags are
// treated as viewer-relevant regardless of recipient.
func UnreadCount(t Thread) int {
	n := 0
	for _, m := range t.Conversations {
		if !m.MarkedAsRead {
			n++
		}
	}
	return n
}
