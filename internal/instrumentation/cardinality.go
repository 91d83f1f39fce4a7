package instrumentation

import "strings"

// ExtractUserDomain reduces a username to its domain for metric labels.
// Usernames without exactly one "@" map to "unknown".
//
//	ExtractUserDomain("jane@example.com")  // "example.com"
//	ExtractUserDomain("jane")              // "unknown"
func ExtractUserDomain(username string) string {
	parts := strings.Split(username, "@")
	if len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}
	return "unknown"
}
