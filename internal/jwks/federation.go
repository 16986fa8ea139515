// Package jwks implements on-demand federation of foreign issuers'
// verification keys: fetch, TTL cache, single-flight coalescing, bounded LRU
// eviction, and negative caching for fetch failures (spec §4.4).
package jwks

import (
	"container/list"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hytaleauth/authd/internal/issuerresolver"
	"github.com/hytaleauth/authd/internal/logging"
	"github.com/hytaleauth/authd/internal/tokencodec"
)

// KeyRecord is a ForeignKeyRecord (spec §3): one verification key owned by
// one issuer, with the time it was fetched.
type KeyRecord struct {
	Issuer    string
	KeyID     string
	Algorithm string
	PublicKey ed25519.PublicKey
	FetchedAt time.Time
}

type cacheKey struct {
	issuer string
	kid    string
}

type cacheEntry struct {
	key    cacheKey
	record KeyRecord
}

// LocalKeyLookup resolves the process's own signing key, so the federation
// component can satisfy "local" issuer lookups without a network round trip.
type LocalKeyLookup interface {
	KeyID() (string, error)
	PublicKey() (ed25519.PublicKey, error)
}

// Config configures a Federation.
type Config struct {
	Resolver    *issuerresolver.Resolver
	LocalKeys   LocalKeyLookup
	HTTPClient  *http.Client
	TTL         time.Duration // default 3600s, spec §6 Configuration
	NegativeTTL time.Duration // default 30s
	MaxEntries  int           // LRU bound; 0 means use the package default
}

const defaultMaxEntries = 4096

// clockFn is swappable in tests to exercise TTL/negative-cache expiry
// without sleeping.
type clockFn func() time.Time

// Federation is the JWKS Federation component.
type Federation struct {
	resolver    *issuerresolver.Resolver
	localKeys   LocalKeyLookup
	httpClient  *http.Client
	ttl         time.Duration
	negativeTTL time.Duration
	maxEntries  int
	now         clockFn

	mu       sync.Mutex
	entries  map[cacheKey]*list.Element // value *cacheEntry
	order    *list.List                 // front = most recently used
	negative map[cacheKey]time.Time     // last-failed-at

	sf singleflight.Group
}

// New builds a Federation from cfg, filling in spec-mandated defaults for
// zero-valued fields.
func New(cfg Config) *Federation {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	negTTL := cfg.NegativeTTL
	if negTTL <= 0 {
		negTTL = 30 * time.Second
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Federation{
		resolver:    cfg.Resolver,
		localKeys:   cfg.LocalKeys,
		httpClient:  client,
		ttl:         ttl,
		negativeTTL: negTTL,
		maxEntries:  maxEntries,
		now:         time.Now,
		entries:     make(map[cacheKey]*list.Element),
		order:       list.New(),
	}
}

// GetKeyForToken resolves the verification key for header, given the
// token's (already resolved) issuer. Network, TLS, parse, or timeout
// failures collapse into a plain "not found" — they are never propagated as
// errors through the verification path (spec §4.4 Failure semantics).
func (f *Federation) GetKeyForToken(ctx context.Context, header tokencodec.Header, issuer string) (ed25519.PublicKey, bool) {
	if header.JWK != nil {
		if pub, err := header.JWK.PublicKey(); err == nil {
			return pub, true
		}
		return nil, false
	}

	switch f.resolver.Classify(issuer) {
	case issuerresolver.Local:
		kid, err := f.localKeys.KeyID()
		if err != nil || header.Kid == "" || header.Kid != kid {
			return nil, false
		}
		pub, err := f.localKeys.PublicKey()
		if err != nil {
			return nil, false
		}
		return pub, true
	case issuerresolver.Official:
		// Official verification is handled by a path outside this
		// component; from here it is simply not found.
		return nil, false
	default:
		return f.getForeignKey(ctx, issuer, header.Kid)
	}
}

func (f *Federation) getForeignKey(ctx context.Context, issuer, kid string) (ed25519.PublicKey, bool) {
	key := cacheKey{issuer: issuer, kid: kid}

	if rec, ok := f.lookupCache(key); ok {
		return rec.PublicKey, true
	}
	if f.inNegativeWindow(key) {
		return nil, false
	}

	_, _, _ = f.sf.Do(issuer, func() (any, error) {
		f.fetchAndCache(ctx, issuer)
		return nil, nil
	})

	if rec, ok := f.lookupCache(key); ok {
		return rec.PublicKey, true
	}
	f.markNegative(key)
	return nil, false
}

func (f *Federation) lookupCache(key cacheKey) (KeyRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	elem, ok := f.entries[key]
	if !ok {
		return KeyRecord{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if f.now().Sub(entry.record.FetchedAt) > f.ttl {
		f.order.Remove(elem)
		delete(f.entries, key)
		return KeyRecord{}, false
	}
	f.order.MoveToFront(elem)
	return entry.record, true
}

func (f *Federation) inNegativeWindow(key cacheKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	failedAt, ok := f.negative[key]
	if !ok {
		return false
	}
	if f.now().Sub(failedAt) > f.negativeTTL {
		delete(f.negative, key)
		return false
	}
	return true
}

func (f *Federation) markNegative(key cacheKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.negative == nil {
		f.negative = make(map[cacheKey]time.Time)
	}
	f.negative[key] = f.now()
}

func (f *Federation) put(key cacheKey, record KeyRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if elem, ok := f.entries[key]; ok {
		elem.Value.(*cacheEntry).record = record
		f.order.MoveToFront(elem)
		return
	}

	elem := f.order.PushFront(&cacheEntry{key: key, record: record})
	f.entries[key] = elem

	for len(f.entries) > f.maxEntries {
		oldest := f.order.Back()
		if oldest == nil {
			break
		}
		f.order.Remove(oldest)
		delete(f.entries, oldest.Value.(*cacheEntry).key)
	}
}

type jwksDocument struct {
	Keys []jwkEntry `json:"keys"`
}

type jwkEntry struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
}

func (f *Federation) fetchAndCache(ctx context.Context, issuer string) {
	url := strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logging.Debugf("jwks: build request for %s: %v", issuer, err)
		return
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		logging.Debugf("jwks: fetch %s: %v", url, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.Debugf("jwks: fetch %s: unexpected status %d", url, resp.StatusCode)
		return
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		logging.Debugf("jwks: parse %s: %v", url, err)
		return
	}

	now := f.now()
	for _, entry := range doc.Keys {
		if entry.Kty != "OKP" || entry.Crv != "Ed25519" || entry.Kid == "" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(entry.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		f.put(cacheKey{issuer: issuer, kid: entry.Kid}, KeyRecord{
			Issuer:    issuer,
			KeyID:     entry.Kid,
			Algorithm: tokencodec.Algorithm,
			PublicKey: ed25519.PublicKey(raw),
			FetchedAt: now,
		})
	}
}

// MergedKeySet returns every cached foreign key whose fetched-at is still
// within TTL, plus the local public key. It's for a downstream consumer
// that can't issue per-token lookups (e.g. a bulk key export); the official
// set is intentionally not included — it's handled by a path outside this
// component's ownership, so this returns only what this component knows
// about directly.
func (f *Federation) MergedKeySet() []KeyRecord {
	var out []KeyRecord

	if kid, err := f.localKeys.KeyID(); err == nil {
		if pub, err := f.localKeys.PublicKey(); err == nil {
			out = append(out, KeyRecord{KeyID: kid, Algorithm: tokencodec.Algorithm, PublicKey: pub})
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	for e := f.order.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*cacheEntry)
		if now.Sub(entry.record.FetchedAt) <= f.ttl {
			out = append(out, entry.record)
		}
	}
	return out
}

// Invalidate drops a single cached foreign key, e.g. on an explicit
// operator-triggered invalidation.
func (f *Federation) Invalidate(issuer, kid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cacheKey{issuer: issuer, kid: kid}
	if elem, ok := f.entries[key]; ok {
		f.order.Remove(elem)
		delete(f.entries, key)
	}
	delete(f.negative, key)
}
