package intervention

import "strings"

// Merge combines the accumulated text of an open intervention with a new
// fragment from the same speaker. Providers resend growing partials, so a
// fragment that contains the current text replaces it, one contained by it is
// ignored, and anything else is appended.
func Merge(current, incoming string) string {
	switch {
	case current == "":
		return incoming
	case incoming == "":
		return current
	case strings.Contains(incoming, current):
		return incoming
	case strings.Contains(current, incoming):
		return current
	default:
		return current + " " + incoming
	}
}
