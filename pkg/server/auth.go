package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/pelshome/pels/pkg/common"
)

// tokenVerifier validates a bearer ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// newGoogleVerifier builds a verifier for Google-issued ID tokens with the
// given audience.
func newGoogleVerifier(ctx context.Context, audience string) (tokenVerifier, error) {
	ctx = oidc.ClientContext(ctx, common.HTTPClient(10*time.Second))
	provider, err := oidc.NewProvider(ctx, "https://accounts.google.com")
	if err != nil {
		return nil, err
	}
	return provider.Verifier(&oidc.Config{ClientID: audience}).Verify, nil
}

// authMiddleware guards mutating endpoints. When no audience is configured the
// instance is assumed to sit behind a trusted reverse proxy and auth is
// bypassed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bypassAuth {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := s.verifier(r.Context(), token); err != nil {
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}
