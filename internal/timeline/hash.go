// Package timeline turns raw log records into a deduplicated forensic
// timeline. Interestingness rules decide which records become events, a
// content hash keeps rebuilds and re-imports from duplicating them, and
// analyst annotations and exclusions layer on top without ever deleting a
// row.
package timeline

import (
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"
)

// ContentHash derives the deduplication identity of a timeline event from
// what the event IS: when it happened, who acted, what they did, and which
// source row reported it. Two imports of the same export produce the same
// hash; rebuilds are idempotent because of it.
func ContentHash(tenantID string, eventTimeUnix int64, actor, action, sourceIdentity string) string {
	var b strings.Builder
	b.WriteString(tenantID)
	b.WriteByte(0)
	fmt.Fprintf(&b, "%d", eventTimeUnix)
	b.WriteByte(0)
	b.WriteString(strings.ToLower(actor))
	b.WriteByte(0)
	b.WriteString(action)
	b.WriteByte(0)
	b.WriteString(sourceIdentity)

	h1, h2 := murmur3.Sum128([]byte(b.String()))
	return fmt.Sprintf("%016x%016x", h1, h2)
}
