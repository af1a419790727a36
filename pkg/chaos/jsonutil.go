package chaos

import "sort"

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// messagesOf extracts the messages list from a chat-completion body,
// nil when the shape does not match.
func messagesOf(body map[string]any) []any {
	msgs, _ := body["messages"].([]any)
	return msgs
}
