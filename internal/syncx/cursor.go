package syncx

import (
	"fmt"
	"strings"
	"time"
)

// Cursor is a position in a wallet's change stream. Pagination orders
// rows by (server_modified, entity_type, entity_id); the cursor names
// the last delivered row so the next page starts strictly after it.
type Cursor struct {
	ServerModified time.Time
	EntityType     string
	EntityID       string
}

// IsZero reports whether the cursor points at the epoch start.
func (c Cursor) IsZero() bool {
	return c.ServerModified.IsZero() && c.EntityType == "" && c.EntityID == ""
}

// EncodeCursor renders the canonical cursor string
// "<timestamp>|<entity_type>|<entity_id>".
func EncodeCursor(c Cursor) string {
	return fmt.Sprintf("%s|%s|%s", FormatTime(c.ServerModified), c.EntityType, c.EntityID)
}

// DecodeCursor parses a cursor value. Input is permissive: the opaque
// triple from a prior next_cursor, a bare ISO-8601 timestamp, or a
// bare epoch number (seconds or milliseconds). Output cursors are
// always the canonical triple.
func DecodeCursor(s string) (Cursor, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}, false
	}

	if parts := strings.SplitN(s, "|", 3); len(parts) == 3 {
		ts, ok := ParseTime(parts[0])
		if !ok {
			return Cursor{}, false
		}
		return Cursor{ServerModified: ts, EntityType: parts[1], EntityID: parts[2]}, true
	}

	ts, ok := ParseTime(s)
	if !ok {
		return Cursor{}, false
	}
	return Cursor{ServerModified: ts}, true
}
