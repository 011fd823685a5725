package chatclient

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FormatFormData renders submitted form values as the line-oriented
// text the conversational backend parses: one "field: value" line per
// entry, keys in sorted order so the output is deterministic.
// Non-scalar values are rendered as JSON.
func FormatFormData(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", key, formatFormValue(data[key])))
	}
	return strings.Join(lines, "\n")
}

func formatFormValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case int, int32, int64, float32, float64, json.Number:
		return fmt.Sprintf("%v", v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
