// Package tokencodec implements the compact, three-part, URL-safe signed
// envelope described in spec §4.2. It does no I/O of its own: encoding asks
// the caller for a signature via the Signer callback, and decoding performs
// no cryptographic check — verification is left to Verify, called once the
// caller has picked the right key for the header.
package tokencodec

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hytaleauth/authd/internal/apperrors"
)

// Algorithm is the only signing algorithm this codec ever emits or accepts.
const Algorithm = "EdDSA"

const tokenType = "JWT"

// JWK is the embedded-key shape carried in a self-signed header's "jwk"
// field (spec §6, wire format): an Octet Key Pair (Ed25519).
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d,omitempty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
}

// Header is the first segment of a token: algorithm, key reference, and
// optionally a self-contained verification key (spec §3, §6).
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid,omitempty"`
	JWK *JWK   `json:"jwk,omitempty"`
}

// NewHeaderWithKid builds a header that references a key by id, resolvable
// via discovery (spec §3 invariant: one of {EdDSA+embedded key, EdDSA+kid}).
func NewHeaderWithKid(kid string) Header {
	return Header{Alg: Algorithm, Typ: tokenType, Kid: kid}
}

// NewHeaderWithJWK builds a self-signed header embedding the verification
// (and, for the client's own use, possibly signing) key.
func NewHeaderWithJWK(jwk JWK) Header {
	return Header{Alg: Algorithm, Typ: tokenType, JWK: &jwk}
}

// Confirmation binds a token to an external secret, e.g. a transport
// certificate fingerprint (spec §3, "confirmation field").
type Confirmation struct {
	X5tS256 string `json:"x5t#S256"`
}

// ClaimSet is the second segment of a token (spec §3).
type ClaimSet struct {
	Subject      string        `json:"sub"`
	Name         string        `json:"name,omitempty"`
	Username     string        `json:"username,omitempty"`
	Entitlements []string      `json:"entitlements,omitempty"`
	Scope        string        `json:"scope,omitempty"`
	IssuedAt     int64         `json:"iat"`
	ExpiresAt    int64         `json:"exp"`
	Issuer       string        `json:"iss"`
	TokenID      string        `json:"jti"`
	Audience     string        `json:"aud,omitempty"`
	Confirmation *Confirmation `json:"cnf,omitempty"`
}

// Signer produces a detached signature over the exact signing-input bytes
// Encode constructs. Both the Key Store and an embedded self-signed private
// key satisfy this shape.
type Signer func(signingInput []byte) ([]byte, error)

func b64Encode(v any) (string, []byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return base64.RawURLEncoding.EncodeToString(raw), raw, nil
}

// Encode serializes header and claims as minimal JSON, base64url-encodes
// each segment, signs header_segment "." claims_segment with sign, and
// returns header.claims.signature.
func Encode(header Header, claims ClaimSet, sign Signer) (string, error) {
	headerSeg, _, err := b64Encode(header)
	if err != nil {
		return "", fmt.Errorf("tokencodec: marshal header: %w", err)
	}
	claimsSeg, _, err := b64Encode(claims)
	if err != nil {
		return "", fmt.Errorf("tokencodec: marshal claims: %w", err)
	}

	signingInput := []byte(headerSeg + "." + claimsSeg)
	sig, err := sign(signingInput)
	if err != nil {
		return "", fmt.Errorf("tokencodec: sign: %w", err)
	}
	sigSeg := base64.RawURLEncoding.EncodeToString(sig)

	return headerSeg + "." + claimsSeg + "." + sigSeg, nil
}

// DecodeUnverified splits a compact token into its parts and parses the
// header and claims JSON, performing no cryptographic check. Per spec §3 and
// §7: a token that doesn't parse into exactly three base64 segments, or
// whose header JSON isn't valid or doesn't declare alg=EdDSA, is rejected as
// MalformedToken without further inspection.
func DecodeUnverified(compact string) (Header, ClaimSet, []byte, []byte, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return Header{}, ClaimSet{}, nil, nil, apperrors.New(apperrors.MalformedToken,
			fmt.Sprintf("expected 3 segments, got %d", len(parts)), nil)
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Header{}, ClaimSet{}, nil, nil, apperrors.New(apperrors.MalformedToken, "header segment is not valid base64", err)
	}
	claimsRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Header{}, ClaimSet{}, nil, nil, apperrors.New(apperrors.MalformedToken, "claims segment is not valid base64", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Header{}, ClaimSet{}, nil, nil, apperrors.New(apperrors.MalformedToken, "signature segment is not valid base64", err)
	}

	var header Header
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return Header{}, ClaimSet{}, nil, nil, apperrors.New(apperrors.MalformedToken, "header is not valid JSON", err)
	}
	if header.Alg != Algorithm {
		return Header{}, ClaimSet{}, nil, nil, apperrors.New(apperrors.MalformedToken,
			fmt.Sprintf("unsupported alg %q", header.Alg), nil)
	}

	var claims ClaimSet
	if err := json.Unmarshal(claimsRaw, &claims); err != nil {
		return Header{}, ClaimSet{}, nil, nil, apperrors.New(apperrors.MalformedToken, "claims are not valid JSON", err)
	}

	signingInput := []byte(parts[0] + "." + parts[1])
	return header, claims, signingInput, sig, nil
}

const okpCurve = "Ed25519"

// JWKFromPublicKey renders pub as the embeddable OKP JWK shape used in
// self-signed headers and JWKS documents (spec §4.4, §6).
func JWKFromPublicKey(pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Crv: okpCurve,
		X:   base64.RawURLEncoding.EncodeToString(pub),
		Use: "sig",
		Alg: Algorithm,
	}
}

// JWKFromKeyPair additionally embeds the private scalar, as a self-signed
// client token's header carries both halves (spec §4.5).
func JWKFromKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey) JWK {
	jwk := JWKFromPublicKey(pub)
	jwk.D = base64.RawURLEncoding.EncodeToString(priv.Seed())
	return jwk
}

// PublicKey extracts the Ed25519 public key from a JWK, rejecting anything
// that isn't the OKP/Ed25519 shape this system understands.
func (j JWK) PublicKey() (ed25519.PublicKey, error) {
	if j.Kty != "OKP" || j.Crv != okpCurve {
		return nil, apperrors.New(apperrors.MalformedToken,
			fmt.Sprintf("unsupported jwk kty/crv %q/%q", j.Kty, j.Crv), nil)
	}
	x, err := base64.RawURLEncoding.DecodeString(j.X)
	if err != nil || len(x) != ed25519.PublicKeySize {
		return nil, apperrors.New(apperrors.MalformedToken, "jwk x is not a valid Ed25519 public key", err)
	}
	return ed25519.PublicKey(x), nil
}

// PrivateKey extracts the Ed25519 private key, when the JWK embeds the "d"
// scalar (self-signed client tokens only; federation peers never send one).
func (j JWK) PrivateKey() (ed25519.PrivateKey, error) {
	if j.D == "" {
		return nil, apperrors.New(apperrors.MalformedToken, "jwk has no private scalar", nil)
	}
	seed, err := base64.RawURLEncoding.DecodeString(j.D)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, apperrors.New(apperrors.MalformedToken, "jwk d is not a valid Ed25519 seed", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Verify reports whether signature is a valid Ed25519 signature over
// signingInput under key. Callers pick key based on the header (local,
// embedded, or federated) before calling this.
func Verify(signingInput, signature []byte, key ed25519.PublicKey) bool {
	return ed25519.Verify(key, signingInput, signature)
}
