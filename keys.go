package cache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

/*
Key builds a cache key from a prefix and the values that identify a result,
typically the query text and its arguments.

The parts are hashed, so long SQL does not end up as a map key, while the prefix
stays readable in logs: Key("users", sql, 42) → "users:9f1c2a...".
*/
func Key(prefix string, parts ...any) string {
	d := xxhash.New()
	for i, p := range parts {
		if i > 0 {
			// Unit separator: ("ab", "c") and ("a", "bc") must not collide.
			_, _ = d.WriteString("\x1f")
		}
		_, _ = fmt.Fprintf(d, "%T=%v", p, p)
	}
	return fmt.Sprintf("%s:%016x", prefix, d.Sum64())
}
