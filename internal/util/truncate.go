package util

import "fmt"

// DefaultLogMaxLen caps logged payloads at 1KB.
const DefaultLogMaxLen = 1024

// TruncateLog shortens long strings before they reach the log, keeping the
// head and noting the original size. Provider error bodies can run to many
// kilobytes and would otherwise swamp the log.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes applies TruncateLog to a raw response body with the default
// cap.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
