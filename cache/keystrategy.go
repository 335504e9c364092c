// Package cache implements the cache subsystem (spec.md §4.5): key
// derivation, provider selection, the five cache policies, and
// version-tagged namespacing. Provider selection is grounded on
// gomind/pkg/discovery/interfaces.go's Discovery/registration-by-
// capability shape, adapted to provider-supports(item) selection.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/mbarcia/pipelineframework/pctx"
)

// KeyStrategy maps an item to an optional cache key; DeriveKey applies
// the context's namespace afterwards. The first
// strategy (by descending priority) returning a non-empty key wins
// (spec.md §4.5).
type KeyStrategy func(item interface{}) (string, bool)

// CacheKeyer is the explicit per-item override: an item implementing
// this has its CacheKey() used verbatim, highest priority.
type CacheKeyer interface {
	CacheKey() string
}

// DocIDer is the second-priority strategy: an item exposing a docId.
type DocIDer interface {
	DocID() string
}

// IDer is the third-priority strategy: an item exposing a generic id.
type IDer interface {
	ID() string
}

// DefaultKeyStrategies returns the built-in generator chain in
// descending priority order: explicit CacheKey(), DocID(), ID(), then
// a default hash of the item's declared cacheable properties (its
// reflected field values).
func DefaultKeyStrategies() []KeyStrategy {
	return []KeyStrategy{
		func(item interface{}) (string, bool) {
			if k, ok := item.(CacheKeyer); ok {
				key := k.CacheKey()
				return key, key != ""
			}
			return "", false
		},
		func(item interface{}) (string, bool) {
			if k, ok := item.(DocIDer); ok {
				key := k.DocID()
				return key, key != ""
			}
			return "", false
		},
		func(item interface{}) (string, bool) {
			if k, ok := item.(IDer); ok {
				key := k.ID()
				return key, key != ""
			}
			return "", false
		},
		func(item interface{}) (string, bool) {
			return hashProperties(item), true
		},
	}
}

// hashProperties is the fallback strategy: a deterministic hash of the
// item's reflected value, used when no accessor method is available.
func hashProperties(item interface{}) string {
	v := reflect.ValueOf(item)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%#v", v)))
	return hex.EncodeToString(sum[:])[:32]
}

// DeriveKey runs strategies in order over item, returning the first
// non-empty key produced, prefixed by inputType and, when a version tag
// is present in pc, by "{versionTag}:" (spec.md §4.5 invariant:
// "Keys are always prefixed by the fully qualified input type name
// and, when a version tag is in context, by {versionTag}:").
func DeriveKey(strategies []KeyStrategy, inputType string, item interface{}, pc pctx.Context) (string, bool) {
	for _, strat := range strategies {
		if key, ok := strat(item); ok && key != "" {
			return namespace(inputType, key, pc), true
		}
	}
	return "", false
}

func namespace(inputType, key string, pc pctx.Context) string {
	if pc.HasVersionTag() {
		return fmt.Sprintf("%s:%s:%s", pc.VersionTag, inputType, key)
	}
	return fmt.Sprintf("%s:%s", inputType, key)
}
