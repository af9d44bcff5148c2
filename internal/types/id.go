package types

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes. Opaque beyond uniqueness; the prefix only aids log reading.
const (
	PrefixMemory   = "mem"
	PrefixDream    = "dream"
	PrefixEpisode  = "ep"
	PrefixEvent    = "evt"
	PrefixThought  = "th"
	PrefixValue    = "val"
	PrefixSavePt   = "sp"
)

// NewID mints a prefixed opaque identifier, e.g. "mem-9f1c…".
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// IDPrefix returns the type prefix of an identifier, or "" if malformed.
func IDPrefix(id string) string {
	i := strings.IndexByte(id, '-')
	if i <= 0 {
		return ""
	}
	return id[:i]
}
