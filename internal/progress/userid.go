package progress

import (
	"strconv"
	"strings"
)

// ResolveUserID picks the user id for an event. Precedence is fixed:
//
//  1. payload["userId"]
//  2. payload["user"]["id"]
//  3. requestUserID
//  4. UnknownUserID
//
// Blank strings are skipped. Numeric ids are formatted without a fraction.
func ResolveUserID(payload map[string]any, requestUserID string) string {
	if id := idString(payload["userId"]); id != "" {
		return id
	}
	if user, ok := payload["user"].(map[string]any); ok {
		if id := idString(user["id"]); id != "" {
			return id
		}
	}
	if id := strings.TrimSpace(requestUserID); id != "" {
		return id
	}
	return UnknownUserID
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return ""
	}
}
