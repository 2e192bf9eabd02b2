package activitysession

import "encoding/json"

// isValidJSONString reports whether s decodes as a complete, well-formed
// JSON value. Used for the streaming tool-argument isValidJson field.
func isValidJSONString(s string) bool {
	if s == "" {
		return false
	}
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}
