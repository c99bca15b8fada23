package resolver

import (
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/layr8/didcomm-mediator/internal/diddoc"
	"github.com/layr8/didcomm-mediator/internal/didkey"
	"github.com/layr8/didcomm-mediator/internal/didpeer"
)

// Kind classifies a resolution failure.
type Kind int

const (
	KindNotFound Kind = iota
	KindInvalid
	KindTransient
)

// Error is returned by Resolve on failure.
type Error struct {
	Kind Kind
	DID  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolver: %s: %v", e.DID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// WebFetcher performs the network half of did:web resolution. Satisfied by
// internal/didweb.Resolver, a narrow adaptor over didweb.Fetcher, so that
// resolver does not depend on net/http types directly.
type WebFetcher interface {
	ResolveWeb(ctx context.Context, did string) (*diddoc.Document, error)
}

// Resolver is C1: resolve a DID to a DID Document, with a bounded,
// positive-only TTL cache. Hot-path pack/unpack call this up to four times
// per message, so resolution must be fast and side-effect-free beyond the
// cache.
type Resolver struct {
	web            WebFetcher
	allowedMethods map[string]bool
	cache          *shardedCache
}

// Config controls cache sizing and which DID methods are accepted.
type Config struct {
	CacheTTL       time.Duration
	CacheSize      int
	AllowedMethods []string // default: did:key, did:peer, did:web
}

// New builds a Resolver. web may be nil if did:web is not in
// AllowedMethods.
func New(web WebFetcher, cfg Config) *Resolver {
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"key", "peer", "web"}
	}
	allowed := make(map[string]bool, len(methods))
	for _, m := range methods {
		allowed[m] = true
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}

	return &Resolver{
		web:            web,
		allowedMethods: allowed,
		cache:          newShardedCache(size, ttl),
	}
}

// Resolve resolves did to its Document. Positive results are cached for
// the configured TTL; negative results are never cached.
func (r *Resolver) Resolve(ctx context.Context, did string) (*diddoc.Document, error) {
	method := didMethod(did)
	if !r.allowedMethods[method] {
		return nil, &Error{Kind: KindInvalid, DID: did, Err: fmt.Errorf("method %q not allowed", method)}
	}

	if doc, ok := r.cache.get(did); ok {
		return doc, nil
	}

	doc, err := r.resolveUncached(ctx, did, method)
	if err != nil {
		return nil, err
	}

	r.cache.put(did, doc)
	return doc, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, did, method string) (*diddoc.Document, error) {
	switch method {
	case "key":
		doc, err := resolveKey(did)
		if err != nil {
			return nil, &Error{Kind: KindInvalid, DID: did, Err: err}
		}
		return doc, nil
	case "peer":
		doc, err := resolvePeer(did)
		if err != nil {
			return nil, &Error{Kind: KindInvalid, DID: did, Err: err}
		}
		return doc, nil
	case "web":
		if r.web == nil {
			return nil, &Error{Kind: KindInvalid, DID: did, Err: fmt.Errorf("did:web resolution not configured")}
		}
		doc, err := r.web.ResolveWeb(ctx, did)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &Error{Kind: KindTransient, DID: did, Err: ctx.Err()}
			}
			return nil, &Error{Kind: KindTransient, DID: did, Err: err}
		}
		return doc, nil
	default:
		return nil, &Error{Kind: KindInvalid, DID: did, Err: fmt.Errorf("unsupported method %q", method)}
	}
}

func resolveKey(did string) (*diddoc.Document, error) {
	return didkey.Resolve(did)
}

func resolvePeer(did string) (*diddoc.Document, error) {
	return didpeer.Resolve(did)
}

func didMethod(did string) string {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) < 2 || parts[0] != "did" {
		return ""
	}
	return parts[1]
}

// shardedCache is a bounded, TTL-based positive-result cache with one lock
// per shard so that concurrent lookups for unrelated DIDs never contend.
type shardedCache struct {
	shards   []*cacheShard
	ttl      time.Duration
	capacity int
}

// cacheShard is a true LRU: items tracks each key's position in order, a
// doubly-linked list ordered most-recently-used to least, so both get and
// put can move an entry to the front in O(1) and put can evict from the
// back in O(1) once the shard is at capacity.
type cacheShard struct {
	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List
}

type cacheEntry struct {
	key       string
	doc       *diddoc.Document
	expiresAt time.Time
}

const shardCount = 16

func newShardedCache(size int, ttl time.Duration) *shardedCache {
	shards := make([]*cacheShard, shardCount)
	for i := range shards {
		shards[i] = &cacheShard{items: make(map[string]*list.Element), order: list.New()}
	}
	return &shardedCache{shards: shards, ttl: ttl, capacity: size}
}

func (c *shardedCache) shardFor(key string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *shardedCache) get(key string) (*diddoc.Document, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(cacheEntry)
	if time.Now().After(e.expiresAt) {
		s.order.Remove(el)
		delete(s.items, key)
		return nil, false
	}
	s.order.MoveToFront(el)
	return e.doc, true
}

func (c *shardedCache) put(key string, doc *diddoc.Document) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := cacheEntry{key: key, doc: doc, expiresAt: time.Now().Add(c.ttl)}
	if el, ok := s.items[key]; ok {
		el.Value = entry
		s.order.MoveToFront(el)
		return
	}

	perShardCap := c.capacity / len(c.shards)
	if perShardCap > 0 && len(s.items) >= perShardCap {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.items, oldest.Value.(cacheEntry).key)
		}
	}

	s.items[key] = s.order.PushFront(entry)
}
