// Package exchange drives the identity-token → authorization-grant →
// access-token handshake: NewSession, RefreshSession, Authorize, Exchange,
// DeleteSession (spec §4.6). It is the one component that touches every
// other core component.
package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hytaleauth/authd/internal/apperrors"
	"github.com/hytaleauth/authd/internal/issuerresolver"
	"github.com/hytaleauth/authd/internal/jwks"
	"github.com/hytaleauth/authd/internal/selfsigned"
	"github.com/hytaleauth/authd/internal/sessionstore"
	"github.com/hytaleauth/authd/internal/tokencodec"
)

// DefaultScope is what an identity token gets when the caller names no
// scope at all (spec §4.6 Scopes normalization).
const DefaultScope = "hytale:server hytale:client"

// ScopeKind tags which shape a caller's scope input arrived in (spec §9,
// "Dynamic claim shapes").
type ScopeKind int

const (
	ScopeNone ScopeKind = iota
	ScopeList
	ScopeString
)

// ScopeInput is the tagged variant the HTTP shell decodes a request's
// `scope`/`scopes` field into, before handing it to the state machine.
type ScopeInput struct {
	Kind ScopeKind
	List []string
	Str  string
}

// Normalize collapses a ScopeInput into the single canonical
// space-separated string every emitted token carries (spec §4.6).
func (s ScopeInput) Normalize() string {
	switch s.Kind {
	case ScopeList:
		return strings.Join(s.List, " ")
	case ScopeString:
		return s.Str
	default:
		return DefaultScope
	}
}

// KeyStore is the subset of keystore.Store the state machine needs.
type KeyStore interface {
	KeyID() (string, error)
	Sign(data []byte) ([]byte, error)
}

// Machine is the Exchange State Machine.
type Machine struct {
	keys       KeyStore
	resolver   *issuerresolver.Resolver
	federation *jwks.Federation
	store      sessionstore.Store
	ttl        time.Duration
	bypass     bool
	now        func() time.Time
}

// New builds a Machine. keys must be the process's Key Store (it
// implements KeyStore); federation must be a *jwks.Federation.
func New(keys KeyStore, resolver *issuerresolver.Resolver, federation *jwks.Federation, store sessionstore.Store, ttl time.Duration, acceptSelfSignedBypass bool) *Machine {
	if ttl <= 0 {
		ttl = 10 * time.Hour
	}
	return &Machine{
		keys:       keys,
		resolver:   resolver,
		federation: federation,
		store:      store,
		ttl:        ttl,
		bypass:     acceptSelfSignedBypass,
		now:        time.Now,
	}
}

// SessionOutput is emitted by NewSession and RefreshSession.
type SessionOutput struct {
	IdentityToken string
	SessionToken  string
	ExpiresAt     time.Time
}

// GrantOutput is emitted by Authorize.
type GrantOutput struct {
	AuthorizationGrant string
	ExpiresAt          time.Time
}

// AccessOutput is emitted by Exchange.
type AccessOutput struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

func (m *Machine) sign(data []byte) ([]byte, error) {
	return m.keys.Sign(data)
}

func (m *Machine) localHeader() (tokencodec.Header, error) {
	kid, err := m.keys.KeyID()
	if err != nil {
		return tokencodec.Header{}, err
	}
	return tokencodec.NewHeaderWithKid(kid), nil
}

func (m *Machine) mintSession(ctx context.Context, requestHost, subject, name, scope string) (SessionOutput, error) {
	header, err := m.localHeader()
	if err != nil {
		return SessionOutput{}, apperrors.New(apperrors.PersistenceFatal, "signing key unavailable", err)
	}
	issuer := m.resolver.ResolveForRequest(requestHost)
	now := m.now()
	expiresAt := now.Add(m.ttl)

	identityClaims := tokencodec.ClaimSet{
		Subject: subject, Name: name, Scope: scope,
		Issuer: issuer, IssuedAt: now.Unix(), ExpiresAt: expiresAt.Unix(),
		TokenID: uuid.NewString(),
	}
	identityToken, err := tokencodec.Encode(header, identityClaims, m.sign)
	if err != nil {
		return SessionOutput{}, apperrors.New(apperrors.MalformedToken, "encode identity token", err)
	}

	sessionJTI := uuid.NewString()
	sessionClaims := tokencodec.ClaimSet{
		Subject: subject, Name: name, Scope: scope,
		Issuer: issuer, IssuedAt: now.Unix(), ExpiresAt: expiresAt.Unix(),
		TokenID: sessionJTI,
	}
	sessionToken, err := tokencodec.Encode(header, sessionClaims, m.sign)
	if err != nil {
		return SessionOutput{}, apperrors.New(apperrors.MalformedToken, "encode session token", err)
	}

	rec := sessionstore.SessionRecord{PlayerID: subject, SessionTokenID: sessionJTI, Issuer: issuer, CreatedAt: now}
	if err := m.store.PutSession(ctx, rec); err != nil {
		return SessionOutput{}, apperrors.New(apperrors.PersistenceFatal, "register session", err)
	}

	return SessionOutput{IdentityToken: identityToken, SessionToken: sessionToken, ExpiresAt: expiresAt}, nil
}

// NewSession issues a fresh identity/session token pair for playerID (or a
// generated subject when empty) and registers a SessionRecord.
func (m *Machine) NewSession(ctx context.Context, requestHost, playerID, displayName string) (SessionOutput, error) {
	subject := playerID
	if subject == "" {
		subject = uuid.NewString()
	}
	return m.mintSession(ctx, requestHost, subject, displayName, DefaultScope)
}

// ChildSession issues a scope-narrowed session for an already-identified
// caller (spec §6 `/game-session/child`), inheriting the same TTL.
func (m *Machine) ChildSession(ctx context.Context, requestHost, subject, displayName, scope string) (SessionOutput, error) {
	if scope == "" {
		scope = DefaultScope
	}
	return m.mintSession(ctx, requestHost, subject, displayName, scope)
}

// RefreshSession reads subject/name out of the presented token WITHOUT
// verifying its signature — refresh is an availability primitive, and the
// caller's wire-level authentication is the transport's job (spec §4.6,
// and the Open Question decision recorded in DESIGN.md). If presented
// doesn't parse at all, it falls back to fallbackSubject so a broken
// refresh never locks a client out.
func (m *Machine) RefreshSession(ctx context.Context, requestHost, presented, fallbackSubject string) (SessionOutput, error) {
	subject := fallbackSubject
	var name string
	var oldJTI string

	if presented != "" {
		if _, claims, _, _, err := tokencodec.DecodeUnverified(presented); err == nil {
			if claims.Subject != "" {
				subject = claims.Subject
			}
			name = claims.Name
			oldJTI = claims.TokenID
		}
	}
	if subject == "" {
		subject = uuid.NewString()
	}

	out, err := m.mintSession(ctx, requestHost, subject, name, DefaultScope)
	if err != nil {
		return SessionOutput{}, err
	}
	if oldJTI != "" {
		_ = m.store.DeleteSession(ctx, oldJTI)
	}
	return out, nil
}

func resolveAudience(bodyAudience string, claims tokencodec.ClaimSet) (string, error) {
	if bodyAudience != "" {
		return bodyAudience, nil
	}
	if claims.Audience != "" {
		return claims.Audience, nil
	}
	if claims.Scope == "hytale:server" && claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", apperrors.New(apperrors.MissingClaim, "no audience supplied or derivable", nil)
}

func (m *Machine) verifyPresented(ctx context.Context, header tokencodec.Header, claims tokencodec.ClaimSet, signingInput, sig []byte) error {
	pub, ok := m.federation.GetKeyForToken(ctx, header, claims.Issuer)
	if !ok {
		return apperrors.New(apperrors.UnknownKey, "no verification key found for issuer "+claims.Issuer, nil)
	}
	if !tokencodec.Verify(signingInput, sig, pub) {
		return apperrors.New(apperrors.SignatureInvalid, "signature does not verify", nil)
	}
	return nil
}

// Authorize turns a presented identity token into a server-scoped
// authorization grant. If the identity token is self-signed and the
// deployment's accept-self-signed-bypass policy is on, §4.5 substitutes a
// usable bypass token in place of the normal grant.
func (m *Machine) Authorize(ctx context.Context, requestHost, identityToken, bodyAudience string, scope ScopeInput) (GrantOutput, error) {
	header, claims, signingInput, sig, err := tokencodec.DecodeUnverified(identityToken)
	if err != nil {
		return GrantOutput{}, err
	}
	if claims.Subject == "" {
		return GrantOutput{}, apperrors.New(apperrors.MissingClaim, "identity token has no subject", nil)
	}

	audience, err := resolveAudience(bodyAudience, claims)
	if err != nil {
		return GrantOutput{}, err
	}

	isSelfSigned := selfsigned.IsSelfSigned(header)
	if isSelfSigned && m.bypass {
		compact, err := selfsigned.Synthesize(header, selfsigned.Substitution{
			Subject: claims.Subject, Issuer: m.resolver.ResolveForRequest(requestHost),
			Audience: audience, TTL: m.ttl,
		}, m.sign, m.localHeader, m.now())
		if err != nil {
			return GrantOutput{}, err
		}
		return GrantOutput{AuthorizationGrant: compact, ExpiresAt: m.now().Add(m.ttl)}, nil
	}

	if err := m.verifyPresented(ctx, header, claims, signingInput, sig); err != nil {
		return GrantOutput{}, err
	}

	issuer := m.resolver.ResolveForRequest(requestHost)
	now := m.now()
	expiresAt := now.Add(m.ttl)
	grantHeader, err := m.localHeader()
	if err != nil {
		return GrantOutput{}, apperrors.New(apperrors.PersistenceFatal, "signing key unavailable", err)
	}

	grantJTI := uuid.NewString()
	grantClaims := tokencodec.ClaimSet{
		Subject: claims.Subject, Audience: audience, Scope: scope.Normalize(),
		Issuer: issuer, IssuedAt: now.Unix(), ExpiresAt: expiresAt.Unix(),
		TokenID: grantJTI,
	}
	compact, err := tokencodec.Encode(grantHeader, grantClaims, m.sign)
	if err != nil {
		return GrantOutput{}, apperrors.New(apperrors.MalformedToken, "encode grant token", err)
	}

	rec := sessionstore.GrantRecord{PlayerID: claims.Subject, GrantTokenID: grantJTI, Audience: audience, IssuedAt: now, ExpiresAt: expiresAt}
	if err := m.store.PutGrant(ctx, rec); err != nil {
		return GrantOutput{}, apperrors.New(apperrors.PersistenceFatal, "register grant", err)
	}

	return GrantOutput{AuthorizationGrant: compact, ExpiresAt: expiresAt}, nil
}

// Exchange redeems a grant (or, via the self-signed bypass, an identity
// token presented directly as a "grant") for an access token. Outside the
// self-signed bypass, the presented token's signature is verified through
// the federation component before any token is minted, as in Authorize.
func (m *Machine) Exchange(ctx context.Context, requestHost, grantToken, transportFingerprint string) (AccessOutput, error) {
	header, claims, signingInput, sig, err := tokencodec.DecodeUnverified(grantToken)
	if err != nil {
		return AccessOutput{}, err
	}
	if claims.Subject == "" {
		return AccessOutput{}, apperrors.New(apperrors.MissingClaim, "grant has no subject", nil)
	}

	isSelfSigned := selfsigned.IsSelfSigned(header)
	var audience string
	if isSelfSigned && m.bypass {
		audience, err = resolveAudience("", claims)
		if err != nil {
			return AccessOutput{}, err
		}
		compact, err := selfsigned.Synthesize(header, selfsigned.Substitution{
			Subject: claims.Subject, Issuer: m.resolver.ResolveForRequest(requestHost),
			Audience: audience, TransportFingerprint: transportFingerprint, TTL: m.ttl,
		}, m.sign, m.localHeader, m.now())
		if err != nil {
			return AccessOutput{}, err
		}
		return m.finishExchange(ctx, requestHost, claims.Subject, claims.Scope, audience, compact)
	}

	if err := m.verifyPresented(ctx, header, claims, signingInput, sig); err != nil {
		return AccessOutput{}, err
	}

	audience, err = resolveAudience("", claims)
	if err != nil {
		return AccessOutput{}, err
	}

	issuer := m.resolver.ResolveForRequest(requestHost)
	now := m.now()
	expiresAt := now.Add(m.ttl)
	accessHeader, err := m.localHeader()
	if err != nil {
		return AccessOutput{}, apperrors.New(apperrors.PersistenceFatal, "signing key unavailable", err)
	}

	accessClaims := tokencodec.ClaimSet{
		Subject: claims.Subject, Audience: audience, Scope: claims.Scope,
		Issuer: issuer, IssuedAt: now.Unix(), ExpiresAt: expiresAt.Unix(),
		TokenID: uuid.NewString(),
	}
	if transportFingerprint != "" {
		accessClaims.Confirmation = &tokencodec.Confirmation{X5tS256: transportFingerprint}
	}
	compact, err := tokencodec.Encode(accessHeader, accessClaims, m.sign)
	if err != nil {
		return AccessOutput{}, apperrors.New(apperrors.MalformedToken, "encode access token", err)
	}

	return m.finishExchange(ctx, requestHost, claims.Subject, claims.Scope, audience, compact)
}

func (m *Machine) finishExchange(ctx context.Context, requestHost, subject, scope, audience, accessToken string) (AccessOutput, error) {
	issuer := m.resolver.ResolveForRequest(requestHost)
	now := m.now()
	expiresAt := now.Add(m.ttl)

	refreshHeader, err := m.localHeader()
	if err != nil {
		return AccessOutput{}, apperrors.New(apperrors.PersistenceFatal, "signing key unavailable", err)
	}
	refreshJTI := uuid.NewString()
	refreshClaims := tokencodec.ClaimSet{
		Subject: subject, Scope: scope, Issuer: issuer,
		IssuedAt: now.Unix(), ExpiresAt: expiresAt.Unix(), TokenID: refreshJTI,
	}
	refreshToken, err := tokencodec.Encode(refreshHeader, refreshClaims, m.sign)
	if err != nil {
		return AccessOutput{}, apperrors.New(apperrors.MalformedToken, "encode refresh token", err)
	}

	rec := sessionstore.SessionRecord{PlayerID: subject, SessionTokenID: refreshJTI, Issuer: issuer, CreatedAt: now, Audience: audience}
	if err := m.store.PutSession(ctx, rec); err != nil {
		return AccessOutput{}, apperrors.New(apperrors.PersistenceFatal, "register session", err)
	}

	return AccessOutput{
		AccessToken: accessToken, TokenType: "Bearer", ExpiresIn: int64(m.ttl.Seconds()),
		RefreshToken: refreshToken, ExpiresAt: expiresAt, Scope: scope,
	}, nil
}

// DeleteSession removes the SessionRecord for the presented token, if any.
// It always reports success — an authenticated delete on a missing session
// is not an error (spec §4.6, §7).
func (m *Machine) DeleteSession(ctx context.Context, sessionToken string) error {
	if sessionToken == "" {
		return nil
	}
	_, claims, _, _, err := tokencodec.DecodeUnverified(sessionToken)
	if err != nil {
		return nil
	}
	_ = m.store.DeleteSession(ctx, claims.TokenID)
	return nil
}
