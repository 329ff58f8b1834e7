// Package admin is the operator-facing bulk invalidation surface across
// every cache family. Both operations are scan-then-delete and therefore
// not atomic under concurrent mutation: keys created mid-flush may
// survive, keys deleted concurrently count as already gone. These are
// maintenance operations, not request-path ones.
package admin

import (
	"context"
	"strings"

	"authcache/kv"
)

const deleteBatchSize = 512

// Flusher clears cache families by key prefix.
type Flusher struct {
	store kv.Store
	// prefixes are the cache families under management, e.g.
	// {"user", "activity", "tok", "toki", "rl", "otp"}.
	prefixes []string
}

// New creates a Flusher over the given family prefixes.
func New(store kv.Store, prefixes []string) *Flusher {
	return &Flusher{store: store, prefixes: prefixes}
}

// FlushAll removes every key in every managed family and returns how many
// were cleared.
func (f *Flusher) FlushAll(ctx context.Context) (int64, error) {
	var cleared int64
	for _, prefix := range f.prefixes {
		n, err := f.deleteMatching(ctx, prefix+":", func(string) bool { return true })
		if err != nil {
			return cleared, err
		}
		cleared += n
	}
	return cleared, nil
}

// FlushForIdentity removes, in every managed family, the keys belonging
// to one identity: direct entries ("family:identity") and keys where the
// identity is a path segment (per-subject rate-limit windows). Values
// are never inspected, so a family whose keys carry something other than
// the identity (token-to-identity mappings) cannot be flushed this way
// and needs its own deletion path.
func (f *Flusher) FlushForIdentity(ctx context.Context, identityKey string) (int64, error) {
	var cleared int64
	for _, prefix := range f.prefixes {
		n, err := f.deleteMatching(ctx, prefix+":", func(key string) bool {
			rest := strings.TrimPrefix(key, prefix+":")
			if rest == identityKey {
				return true
			}
			for _, segment := range strings.Split(rest, ":") {
				if segment == identityKey {
					return true
				}
			}
			return false
		})
		if err != nil {
			return cleared, err
		}
		cleared += n
	}
	return cleared, nil
}

func (f *Flusher) deleteMatching(ctx context.Context, prefix string, match func(key string) bool) (int64, error) {
	var batch []string
	var cleared int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := f.store.Delete(ctx, batch...)
		if err != nil {
			return err
		}
		cleared += n
		batch = batch[:0]
		return nil
	}

	err := f.store.ScanPrefix(ctx, prefix, func(key string) error {
		if !match(key) {
			return nil
		}
		batch = append(batch, key)
		if len(batch) >= deleteBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return cleared, err
	}
	if err := flush(); err != nil {
		return cleared, err
	}
	return cleared, nil
}
