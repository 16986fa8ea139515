package jwks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hytaleauth/authd/internal/issuerresolver"
	"github.com/hytaleauth/authd/internal/tokencodec"
)

type fakeLocalKeys struct {
	kid string
	pub ed25519.PublicKey
}

func (f fakeLocalKeys) KeyID() (string, error)              { return f.kid, nil }
func (f fakeLocalKeys) PublicKey() (ed25519.PublicKey, error) { return f.pub, nil }

func newResolver() *issuerresolver.Resolver {
	return issuerresolver.New(issuerresolver.Config{
		BaseDomain:    "hytale.example",
		DefaultIssuer: "https://auth.hytale.example",
		LocalHosts:    []string{"auth.hytale.example"},
		OfficialHosts: []string{"official.vendor.example"},
	})
}

func jwksHandler(kid string, pub ed25519.PublicKey, hits *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		fmt.Fprintf(w, `{"keys":[{"kty":"OKP","crv":"Ed25519","kid":%q,"x":%q,"use":"sig","alg":"EdDSA"}]}`,
			kid, base64.RawURLEncoding.EncodeToString(pub))
	}
}

func TestGetKeyForToken_EmbeddedKeyReturnsDirectly(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f := New(Config{Resolver: newResolver(), LocalKeys: fakeLocalKeys{}})

	header := tokencodec.NewHeaderWithJWK(tokencodec.JWKFromPublicKey(pub))
	got, ok := f.GetKeyForToken(context.Background(), header, "https://peer.example")
	require.True(t, ok)
	assert.Equal(t, pub, got)
}

func TestGetKeyForToken_LocalIssuerMatchesKid(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f := New(Config{Resolver: newResolver(), LocalKeys: fakeLocalKeys{kid: "local-1", pub: pub}})

	header := tokencodec.NewHeaderWithKid("local-1")
	got, ok := f.GetKeyForToken(context.Background(), header, "https://auth.hytale.example")
	require.True(t, ok)
	assert.Equal(t, pub, got)
}

func TestGetKeyForToken_LocalIssuerWrongKidMisses(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f := New(Config{Resolver: newResolver(), LocalKeys: fakeLocalKeys{kid: "local-1", pub: pub}})

	header := tokencodec.NewHeaderWithKid("someone-else")
	_, ok := f.GetKeyForToken(context.Background(), header, "https://auth.hytale.example")
	assert.False(t, ok)
}

func TestGetKeyForToken_OfficialIssuerIsNotFoundHere(t *testing.T) {
	f := New(Config{Resolver: newResolver(), LocalKeys: fakeLocalKeys{}})
	header := tokencodec.NewHeaderWithKid("whatever")
	_, ok := f.GetKeyForToken(context.Background(), header, "https://official.vendor.example")
	assert.False(t, ok)
}

func TestGetKeyForToken_ForeignIssuerFetchesAndCaches(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var hits int32
	srv := httptest.NewServer(jwksHandler("peer-kid", pub, &hits))
	defer srv.Close()

	f := New(Config{Resolver: newResolver(), LocalKeys: fakeLocalKeys{}, HTTPClient: srv.Client()})
	header := tokencodec.NewHeaderWithKid("peer-kid")

	got, ok := f.GetKeyForToken(context.Background(), header, srv.URL)
	require.True(t, ok)
	assert.Equal(t, pub, got)

	got2, ok := f.GetKeyForToken(context.Background(), header, srv.URL)
	require.True(t, ok)
	assert.Equal(t, pub, got2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second lookup within TTL must not refetch")
}

func TestGetKeyForToken_SingleFlightCoalescesConcurrentMisses(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var hits int32
	srv := httptest.NewServer(jwksHandler("peer-kid", pub, &hits))
	defer srv.Close()

	f := New(Config{Resolver: newResolver(), LocalKeys: fakeLocalKeys{}, HTTPClient: srv.Client()})
	header := tokencodec.NewHeaderWithKid("peer-kid")

	const n = 20
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() {
			_, ok := f.GetKeyForToken(context.Background(), header, srv.URL)
			results <- ok
		}()
	}
	for i := 0; i < n; i++ {
		require.True(t, <-results)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestGetKeyForToken_FetchFailureIsNotFoundNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(Config{Resolver: newResolver(), LocalKeys: fakeLocalKeys{}, HTTPClient: srv.Client()})
	header := tokencodec.NewHeaderWithKid("peer-kid")

	_, ok := f.GetKeyForToken(context.Background(), header, srv.URL)
	assert.False(t, ok)
}

func TestGetKeyForToken_NegativeCacheSkipsRefetchUntilExpiry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(Config{Resolver: newResolver(), LocalKeys: fakeLocalKeys{}, HTTPClient: srv.Client(), NegativeTTL: time.Minute})
	now := time.Now()
	f.now = func() time.Time { return now }

	header := tokencodec.NewHeaderWithKid("peer-kid")
	_, ok := f.GetKeyForToken(context.Background(), header, srv.URL)
	assert.False(t, ok)

	_, ok = f.GetKeyForToken(context.Background(), header, srv.URL)
	assert.False(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second miss within negative window must not refetch")

	now = now.Add(2 * time.Minute)
	f.now = func() time.Time { return now }
	_, ok = f.GetKeyForToken(context.Background(), header, srv.URL)
	assert.False(t, ok)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "after negative window expires, a retry must refetch")
}

func TestGetKeyForToken_CacheExpiresAfterTTL(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var hits int32
	srv := httptest.NewServer(jwksHandler("peer-kid", pub, &hits))
	defer srv.Close()

	f := New(Config{Resolver: newResolver(), LocalKeys: fakeLocalKeys{}, HTTPClient: srv.Client(), TTL: time.Minute})
	now := time.Now()
	f.now = func() time.Time { return now }

	header := tokencodec.NewHeaderWithKid("peer-kid")
	_, ok := f.GetKeyForToken(context.Background(), header, srv.URL)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	f.now = func() time.Time { return now }
	_, ok = f.GetKeyForToken(context.Background(), header, srv.URL)
	require.True(t, ok)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "expired entry must trigger a refetch")
}

func TestLRUEviction(t *testing.T) {
	f := New(Config{Resolver: newResolver(), LocalKeys: fakeLocalKeys{}, MaxEntries: 2})

	f.put(cacheKey{issuer: "a", kid: "1"}, KeyRecord{Issuer: "a", KeyID: "1", FetchedAt: f.now()})
	f.put(cacheKey{issuer: "b", kid: "1"}, KeyRecord{Issuer: "b", KeyID: "1", FetchedAt: f.now()})
	_, ok := f.lookupCache(cacheKey{issuer: "a", kid: "1"}) // touch a, making b the LRU victim
	require.True(t, ok)
	f.put(cacheKey{issuer: "c", kid: "1"}, KeyRecord{Issuer: "c", KeyID: "1", FetchedAt: f.now()})

	_, okA := f.lookupCache(cacheKey{issuer: "a", kid: "1"})
	_, okB := f.lookupCache(cacheKey{issuer: "b", kid: "1"})
	_, okC := f.lookupCache(cacheKey{issuer: "c", kid: "1"})
	assert.True(t, okA)
	assert.False(t, okB, "least recently used entry should have been evicted")
	assert.True(t, okC)
}

func TestMergedKeySet_IncludesLocalAndFreshForeignKeys(t *testing.T) {
	localPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	foreignPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var hits int32
	srv := httptest.NewServer(jwksHandler("peer-kid", foreignPub, &hits))
	defer srv.Close()

	f := New(Config{
		Resolver:   newResolver(),
		LocalKeys:  fakeLocalKeys{kid: "local-1", pub: localPub},
		HTTPClient: srv.Client(),
	})

	_, ok := f.GetKeyForToken(context.Background(), tokencodec.NewHeaderWithKid("peer-kid"), srv.URL)
	require.True(t, ok)

	merged := f.MergedKeySet()
	var haveLocal, haveForeign bool
	for _, rec := range merged {
		if rec.KeyID == "local-1" {
			haveLocal = true
		}
		if rec.KeyID == "peer-kid" {
			haveForeign = true
		}
	}
	assert.True(t, haveLocal)
	assert.True(t, haveForeign)
}

func TestInvalidate_RemovesCachedEntry(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var hits int32
	srv := httptest.NewServer(jwksHandler("peer-kid", pub, &hits))
	defer srv.Close()

	f := New(Config{Resolver: newResolver(), LocalKeys: fakeLocalKeys{}, HTTPClient: srv.Client()})
	header := tokencodec.NewHeaderWithKid("peer-kid")

	_, ok := f.GetKeyForToken(context.Background(), header, srv.URL)
	require.True(t, ok)

	f.Invalidate(srv.URL, "peer-kid")
	_, ok = f.GetKeyForToken(context.Background(), header, srv.URL)
	require.True(t, ok)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "invalidate must force a refetch")
}
