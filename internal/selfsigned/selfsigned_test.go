package selfsigned

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hytaleauth/authd/internal/tokencodec"
)

func TestIsSelfSigned(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	assert.True(t, IsSelfSigned(tokencodec.NewHeaderWithJWK(tokencodec.JWKFromPublicKey(pub))))
	assert.False(t, IsSelfSigned(tokencodec.NewHeaderWithKid("kid-1")))
}

func TestVerifyWithEmbeddedKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	header := tokencodec.NewHeaderWithJWK(tokencodec.JWKFromKeyPair(pub, priv))
	claims := tokencodec.ClaimSet{Subject: "u2", Issuer: "self-signed", TokenID: "t1"}

	compact, err := tokencodec.Encode(header, claims, func(data []byte) ([]byte, error) {
		return ed25519.Sign(priv, data), nil
	})
	require.NoError(t, err)

	gotHeader, _, signingInput, sig, err := tokencodec.DecodeUnverified(compact)
	require.NoError(t, err)

	ok, err := VerifyWithEmbeddedKey(gotHeader, signingInput, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyWithEmbeddedKey(gotHeader, signingInput, append([]byte{}, sig...))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyWithEmbeddedKey_RejectsWithoutEmbeddedKey(t *testing.T) {
	_, err := VerifyWithEmbeddedKey(tokencodec.NewHeaderWithKid("kid-1"), []byte("x"), []byte("y"))
	require.Error(t, err)
}

func TestShouldBypassExchange(t *testing.T) {
	assert.True(t, ShouldBypassExchange(true, true))
	assert.False(t, ShouldBypassExchange(true, false))
	assert.False(t, ShouldBypassExchange(false, true))
	assert.False(t, ShouldBypassExchange(false, false))
}

func TestSynthesize_SignsWithEmbeddedPrivateKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	header := tokencodec.NewHeaderWithJWK(tokencodec.JWKFromKeyPair(pub, priv))

	fallbackCalled := false
	fallback := func(data []byte) ([]byte, error) {
		fallbackCalled = true
		return nil, nil
	}

	fallbackHeader := func() (tokencodec.Header, error) {
		t.Fatal("fallbackHeader should not be called when the embedded private key is used")
		return tokencodec.Header{}, nil
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	compact, err := Synthesize(header, Substitution{
		Subject:              "u2",
		Issuer:               "https://auth.hytale.example",
		Audience:             "s-42",
		TransportFingerprint: "FP2",
		TTL:                  10 * time.Hour,
	}, fallback, fallbackHeader, now)
	require.NoError(t, err)
	assert.False(t, fallbackCalled)

	gotHeader, claims, signingInput, sig, err := tokencodec.DecodeUnverified(compact)
	require.NoError(t, err)
	assert.Equal(t, "u2", claims.Subject)
	assert.Equal(t, "s-42", claims.Audience)
	require.NotNil(t, claims.Confirmation)
	assert.Equal(t, "FP2", claims.Confirmation.X5tS256)
	assert.Equal(t, int64(36000), claims.ExpiresAt-claims.IssuedAt)

	ok, err := VerifyWithEmbeddedKey(gotHeader, signingInput, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSynthesize_FallsBackToLocalKeyWithoutEmbeddedPrivateKey(t *testing.T) {
	pub, err := publicKeyOnly()
	require.NoError(t, err)
	// Verification-only embedding: no "d".
	header := tokencodec.NewHeaderWithJWK(tokencodec.JWKFromPublicKey(pub))

	localPub, localPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NotEqual(t, pub, localPub)
	const localKid = "local-kid-1"

	fallback := func(data []byte) ([]byte, error) {
		return ed25519.Sign(localPriv, data), nil
	}
	fallbackHeader := func() (tokencodec.Header, error) {
		return tokencodec.NewHeaderWithKid(localKid), nil
	}

	compact, err := Synthesize(header, Substitution{
		Subject:  "u3",
		Issuer:   "https://auth.hytale.example",
		Audience: "s-1",
		TTL:      10 * time.Hour,
	}, fallback, fallbackHeader, time.Now())
	require.NoError(t, err)

	gotHeader, _, signingInput, sig, err := tokencodec.DecodeUnverified(compact)
	require.NoError(t, err)

	// The emitted token's header must name the key that actually signed it:
	// a local kid, not the client's embedded (and now-unmatching) jwk.
	assert.Nil(t, gotHeader.JWK)
	assert.Equal(t, localKid, gotHeader.Kid)
	assert.True(t, tokencodec.Verify(signingInput, sig, localPub))
	assert.False(t, tokencodec.Verify(signingInput, sig, pub))
}

func publicKeyOnly() (ed25519.PublicKey, error) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	return pub, err
}

func TestSynthesize_FallbackHeaderErrorPropagates(t *testing.T) {
	pub, err := publicKeyOnly()
	require.NoError(t, err)
	header := tokencodec.NewHeaderWithJWK(tokencodec.JWKFromPublicKey(pub))

	fallback := func(data []byte) ([]byte, error) { return nil, nil }
	wantErr := assert.AnError
	fallbackHeader := func() (tokencodec.Header, error) { return tokencodec.Header{}, wantErr }

	_, err = Synthesize(header, Substitution{Subject: "u4", Issuer: "https://auth.hytale.example", Audience: "s-1", TTL: time.Hour}, fallback, fallbackHeader, time.Now())
	assert.ErrorIs(t, err, wantErr)
}
