// Package cache implements the multi-tier synthesis audio cache: an
// in-process LRU in front of an optional shared Postgres KV tier in front of
// an optional filesystem tier.
//
// Values are content-addressed by a deterministic key derived from all
// synthesis parameters, so concurrent promotions between tiers are idempotent
// writes of identical bytes.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Key derives the cache key for a synthesis request: the SHA-256 hex digest
// of the canonical string "text|provider|voice|speed|k1=v1|k2=v2..." with
// extras sorted by key. Styled voices are included verbatim, so styled and
// identified voices never collide.
func Key(text, provider, voice string, speed float64, extras map[string]string) string {
	var b strings.Builder
	b.WriteString(text)
	b.WriteByte('|')
	b.WriteString(provider)
	b.WriteByte('|')
	b.WriteString(voice)
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(speed, 'f', -1, 64))

	if len(extras) > 0 {
		keys := make([]string, 0, len(extras))
		for k := range extras {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('|')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(extras[k])
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
