package serialmux

import "strings"

// LineKind classifies one line from the gateway.
type LineKind string

const (
	LineBatch   LineKind = "batch"
	LineStatus  LineKind = "status"
	LineComment LineKind = "comment"
	LineUnknown LineKind = "unknown"
)

// ClassifyLine inspects a line without decoding it. Batches are either a
// bare JSON array of readings or an object with a "readings" member; status
// reports are objects with a "status" member; lines starting with '#' are
// gateway log output.
func ClassifyLine(line string) LineKind {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return LineUnknown
	case strings.HasPrefix(line, "#"):
		return LineComment
	case strings.HasPrefix(line, "["):
		return LineBatch
	case strings.HasPrefix(line, "{") && strings.Contains(line, `"readings"`):
		return LineBatch
	case strings.HasPrefix(line, "{") && strings.Contains(line, `"status"`):
		return LineStatus
	}
	return LineUnknown
}
