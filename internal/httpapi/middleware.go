package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/hytaleauth/authd/internal/issuerresolver"
	"github.com/hytaleauth/authd/internal/logging"
	"github.com/hytaleauth/authd/internal/tokencodec"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Infow("http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// corsMiddleware is permissive by design: game clients and the
// administrative surfaces this service coexists with are separate origins,
// and none of the endpoints here rely on cookie-based auth that CORS would
// otherwise need to protect. No external CORS library ships in the
// dependency set this module draws on, so this is a small hand-rolled
// stand-in rather than a gap.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bodySizeLimitMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// issuerRedirectMiddleware implements spec §6's "Request-issuer redirect":
// if a bearer token parses and its iss points at a different host than the
// request's Host, respond 307 to the same path at the correct host so
// every handler downstream sees a request whose Host already matches the
// issuer the token was minted for.
func issuerRedirectMiddleware(resolver *issuerresolver.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := extractBearer(r)
			if bearer == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, claims, _, _, err := tokencodec.DecodeUnverified(bearer)
			if err != nil || claims.Issuer == "" {
				next.ServeHTTP(w, r)
				return
			}
			tokenHost := strings.TrimPrefix(strings.TrimPrefix(claims.Issuer, "https://"), "http://")
			requestHost := r.Host
			if tokenHost != "" && tokenHost != requestHost {
				target := claims.Issuer + r.URL.RequestURI()
				http.Redirect(w, r, target, http.StatusTemporaryRedirect)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, prefix))
	}
	return ""
}
