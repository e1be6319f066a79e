package events

import "regexp"

var taskIDPattern = regexp.MustCompile(`TASK\d+`)

// ExtractTaskID returns the first task id found in texts, checked in order.
func ExtractTaskID(texts ...string) string {
	for _, s := range texts {
		if id := taskIDPattern.FindString(s); id != "" {
			return id
		}
	}
	return ""
}

// IsTaskID reports whether s is exactly one task id.
func IsTaskID(s string) bool {
	loc := taskIDPattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}
