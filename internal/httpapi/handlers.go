package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hytaleauth/authd/internal/apperrors"
	"github.com/hytaleauth/authd/internal/exchange"
	"github.com/hytaleauth/authd/internal/tokencodec"
)

// decodeJSON reads and unmarshals r.Body into v, tolerating an empty body
// (every request body in this API is optional-at-the-shell; the core
// supplies the fallbacks spec §6 describes).
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.New(apperrors.MalformedToken, "request body is not valid JSON", err)
	}
	return nil
}

func decodeScopeInput(raw json.RawMessage) (exchange.ScopeInput, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return exchange.ScopeInput{}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return exchange.ScopeInput{Kind: exchange.ScopeList, List: list}, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return exchange.ScopeInput{Kind: exchange.ScopeString, Str: str}, nil
	}
	return exchange.ScopeInput{}, apperrors.New(apperrors.MalformedToken, "scopes must be a list or string", nil)
}

type jwksKeyDTO struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
}

type jwksResponse struct {
	Keys []jwksKeyDTO `json:"keys"`
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	rec, err := s.keys.GetPublicKeyRecord()
	if err != nil {
		writeError(w, apperrors.New(apperrors.PersistenceFatal, "signing key unavailable", err))
		return
	}
	jwk := tokencodec.JWKFromPublicKey(rec.PublicKey)
	writeJSON(w, http.StatusOK, jwksResponse{Keys: []jwksKeyDTO{{
		Kty: jwk.Kty, Crv: jwk.Crv, X: jwk.X, Kid: rec.KeyID, Use: rec.Use, Alg: tokencodec.Algorithm,
	}}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionResponse struct {
	IdentityToken string `json:"identityToken"`
	SessionToken  string `json:"sessionToken"`
	ExpiresAt     int64  `json:"expiresAt"`
}

func sessionResponseFrom(out exchange.SessionOutput) sessionResponse {
	return sessionResponse{IdentityToken: out.IdentityToken, SessionToken: out.SessionToken, ExpiresAt: out.ExpiresAt.Unix()}
}

func defaultName(username string) string {
	if username == "" {
		return "Player"
	}
	return username
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UUID     string `json:"uuid"`
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.machine.NewSession(r.Context(), r.Host, body.UUID, defaultName(body.Username))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponseFrom(out))
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionToken string `json:"sessionToken"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	token := body.SessionToken
	bearer := extractBearer(r)
	if token == "" {
		token = bearer
	}

	fallbackSubject := ""
	if bearer != "" {
		if _, claims, _, _, err := tokencodec.DecodeUnverified(bearer); err == nil {
			fallbackSubject = claims.Subject
		}
	}

	out, err := s.machine.RefreshSession(r.Context(), r.Host, token, fallbackSubject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponseFrom(out))
}

func (s *Server) handleChildSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scopes json.RawMessage `json:"scopes"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	bearer := extractBearer(r)
	if bearer == "" {
		writeError(w, apperrors.New(apperrors.MissingClaim, "a bearer session is required to request a child session", nil))
		return
	}
	_, claims, _, _, err := tokencodec.DecodeUnverified(bearer)
	if err != nil {
		writeError(w, err)
		return
	}

	scope, err := decodeScopeInput(body.Scopes)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := s.machine.ChildSession(r.Context(), r.Host, claims.Subject, claims.Name, scope.Normalize())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponseFrom(out))
}

type grantResponse struct {
	AuthorizationGrant string `json:"authorizationGrant"`
	ExpiresAt          int64  `json:"expiresAt"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IdentityToken string `json:"identityToken"`
		Audience      string `json:"audience"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	identityToken := body.IdentityToken
	if identityToken == "" {
		identityToken = extractBearer(r)
	}
	if identityToken == "" {
		writeError(w, apperrors.New(apperrors.MissingClaim, "an identity token is required", nil))
		return
	}

	out, err := s.machine.Authorize(r.Context(), r.Host, identityToken, body.Audience, exchange.ScopeInput{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grantResponse{AuthorizationGrant: out.AuthorizationGrant, ExpiresAt: out.ExpiresAt.Unix()})
}

type accessTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	Scope        string `json:"scope"`
}

func (s *Server) handleServerJoinAuthToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AuthorizationGrant string `json:"authorizationGrant"`
		X509Fingerprint    string `json:"x509Fingerprint"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.AuthorizationGrant == "" {
		writeError(w, apperrors.New(apperrors.MissingClaim, "authorizationGrant is required", nil))
		return
	}

	out, err := s.machine.Exchange(r.Context(), r.Host, body.AuthorizationGrant, body.X509Fingerprint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accessTokenResponse{
		AccessToken: out.AccessToken, TokenType: out.TokenType, ExpiresIn: out.ExpiresIn,
		RefreshToken: out.RefreshToken, ExpiresAt: out.ExpiresAt.Unix(), Scope: out.Scope,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	bearer := extractBearer(r)
	_ = s.machine.DeleteSession(r.Context(), bearer)
	w.WriteHeader(http.StatusNoContent)
}

type gameProfileResponse struct {
	UUID             string   `json:"uuid"`
	Username         string   `json:"username"`
	Entitlements     []string `json:"entitlements"`
	CreatedAt        int64    `json:"createdAt"`
	NextNameChangeAt int64    `json:"nextNameChangeAt"`
	Skin             string   `json:"skin,omitempty"`
}

func (s *Server) handleGameProfile(w http.ResponseWriter, r *http.Request) {
	bearer := extractBearer(r)
	if bearer == "" {
		writeError(w, apperrors.New(apperrors.MissingClaim, "a bearer token is required", nil))
		return
	}

	header, claims, signingInput, sig, err := tokencodec.DecodeUnverified(bearer)
	if err != nil {
		writeError(w, err)
		return
	}

	pub, ok := s.federation.GetKeyForToken(r.Context(), header, claims.Issuer)
	if !ok {
		writeError(w, apperrors.New(apperrors.UnknownKey, "no verification key found for issuer "+claims.Issuer, nil))
		return
	}
	if !tokencodec.Verify(signingInput, sig, pub) {
		writeError(w, apperrors.New(apperrors.SignatureInvalid, "signature does not verify", nil))
		return
	}

	createdAt := time.Unix(claims.IssuedAt, 0).UTC()
	writeJSON(w, http.StatusOK, gameProfileResponse{
		UUID: claims.Subject, Username: claims.Name, Entitlements: claims.Entitlements,
		CreatedAt: createdAt.Unix(), NextNameChangeAt: createdAt.AddDate(0, 0, 30).Unix(),
	})
}

// handleNotFound is the catch-all for every route spec §6 lists as "other
// account endpoints ... out of core scope" plus any unknown path. Per the
// Open Question decision recorded in DESIGN.md, this returns 404 rather
// than synthesizing a grant/access token pair for an unrecognized audience.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
}
