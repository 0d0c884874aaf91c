package transpile

import (
	"crypto/sha256"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nodebooks/kernel/internal/domain/model"
)

// Interface guard
var _ Transpiler = (*Cached)(nil)

const DefaultCacheSize = 512

// Cached memoizes transpile results keyed by (language, source) hash.
// Diagnostics are deterministic per source, so failed results are
// cached too and replayed with the same sentinel.
type Cached struct {
	next Transpiler
	lru  *lru.Cache[cacheKey, cacheEntry]
}

type cacheKey [sha256.Size]byte

type cacheEntry struct {
	res    Result
	failed bool
}

func NewCached(next Transpiler, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[cacheKey, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, lru: c}, nil
}

func (t *Cached) Transpile(source string, lang model.Language) (Result, error) {
	k := hashKey(source, lang)
	if e, ok := t.lru.Get(k); ok {
		if e.failed {
			return e.res, ErrDiagnostics
		}
		return e.res, nil
	}

	res, err := t.next.Transpile(source, lang)
	switch {
	case err == nil:
		t.lru.Add(k, cacheEntry{res: res})
	case errors.Is(err, ErrDiagnostics):
		t.lru.Add(k, cacheEntry{res: res, failed: true})
	}
	return res, err
}

// Len reports the number of cached entries.
func (t *Cached) Len() int { return t.lru.Len() }

func hashKey(source string, lang model.Language) cacheKey {
	h := sha256.New()
	h.Write([]byte(lang))
	h.Write([]byte{0})
	h.Write([]byte(source))
	var k cacheKey
	h.Sum(k[:0])
	return k
}
