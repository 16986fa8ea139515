// Package selfsigned implements recognition, verification, and the
// exchange-endpoint bypass policy for tokens that carry their own
// verification key in the header (spec §4.5).
package selfsigned

import (
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"

	"github.com/hytaleauth/authd/internal/apperrors"
	"github.com/hytaleauth/authd/internal/tokencodec"
)

// IsSelfSigned reports whether header embeds a usable Ed25519 verification
// key. The presence of a private scalar is tolerated but not required, and
// never consulted here.
func IsSelfSigned(header tokencodec.Header) bool {
	if header.JWK == nil || header.Alg != tokencodec.Algorithm {
		return false
	}
	_, err := header.JWK.PublicKey()
	return err == nil
}

// VerifyWithEmbeddedKey verifies signature over signingInput using the
// public key embedded in header, with no other check: trust is anchored in
// whatever downstream policy the game server enforces.
func VerifyWithEmbeddedKey(header tokencodec.Header, signingInput, signature []byte) (bool, error) {
	if !IsSelfSigned(header) {
		return false, apperrors.New(apperrors.MalformedToken, "header has no embedded key", nil)
	}
	pub, err := header.JWK.PublicKey()
	if err != nil {
		return false, err
	}
	return tokencodec.Verify(signingInput, signature, pub), nil
}

// ShouldBypassExchange reports whether a self-signed identity token
// presented to an exchange endpoint should be honored without federated
// verification: only when the token is self-signed and the deployment's
// accept-self-signed policy is enabled. The policy is one flag for the
// whole deployment; no issuer is consulted.
func ShouldBypassExchange(isSelfSigned, acceptSelfSignedBypass bool) bool {
	return isSelfSigned && acceptSelfSignedBypass
}

// Substitution is the replacement access token spec §4.5 describes the
// bypass as producing.
type Substitution struct {
	Subject              string
	Issuer               string
	Audience             string
	TransportFingerprint string
	TTL                  time.Duration
}

// Signer matches tokencodec.Signer; re-declared here so callers don't need
// to import tokencodec just to pass one through.
type Signer = tokencodec.Signer

// Synthesize builds and signs the bypass replacement access token described
// in spec §4.5: signed by the embedded private key when the self-signed
// header carries one, otherwise by fallbackSign (the local Key Store).
//
// When it falls back to fallbackSign, the emitted token's header is built
// by fallbackHeader (the local Key Store's kid header) rather than reused
// from the client's header: the client's jwk names a public key the local
// store never signed with, and a token whose header advertises a
// verification key that doesn't match its own signature would fail the
// same integrity check this whole package exists to uphold.
//
// The embedded private key, if any, is read from header exactly once here
// and is never persisted or cached by this package.
func Synthesize(header tokencodec.Header, sub Substitution, fallbackSign Signer, fallbackHeader func() (tokencodec.Header, error), now time.Time) (string, error) {
	if !IsSelfSigned(header) {
		return "", apperrors.New(apperrors.MalformedToken, "header has no embedded key", nil)
	}

	var sign Signer
	tokenHeader := header
	if priv, err := header.JWK.PrivateKey(); err == nil {
		sign = func(signingInput []byte) ([]byte, error) {
			return ed25519.Sign(priv, signingInput), nil
		}
	} else {
		sign = fallbackSign
		tokenHeader, err = fallbackHeader()
		if err != nil {
			return "", err
		}
	}

	claims := tokencodec.ClaimSet{
		Subject:   sub.Subject,
		Issuer:    sub.Issuer,
		Audience:  sub.Audience,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(sub.TTL).Unix(),
		TokenID:   uuid.NewString(),
	}
	if sub.TransportFingerprint != "" {
		claims.Confirmation = &tokencodec.Confirmation{X5tS256: sub.TransportFingerprint}
	}

	return tokencodec.Encode(tokenHeader, claims, sign)
}
