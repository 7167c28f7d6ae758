// Copyright 2025 The Authbridge Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package oauthserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/privybridge/authbridge/internal/apierr"
	"github.com/privybridge/authbridge/pkg/crypto"
)

type contextKey string

const (
	contextKeyClaims contextKey = "authbridge.claims"
)

// AuthenticatedClaims is the information RequireBearer attaches to the
// request context after a bearer token passes verification.
type AuthenticatedClaims struct {
	Token    string
	JTI      string
	UserID   string
	ClientID string
	Scopes   []string
}

// ClaimsFromContext extracts the AuthenticatedClaims attached by RequireBearer.
func ClaimsFromContext(ctx context.Context) (*AuthenticatedClaims, bool) {
	c, ok := ctx.Value(contextKeyClaims).(*AuthenticatedClaims)
	return c, ok
}

// ContextWithClaims attaches claims to ctx the same way RequireBearer does.
// Exposed for callers (and tests) that already have verified claims in hand.
func ContextWithClaims(ctx context.Context, claims *AuthenticatedClaims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// RequireBearer validates the Authorization header as a bearer JWT minted by
// this server and, if scopes are given, requires every one of them to be
// granted. On failure it writes an OAuth error body (401 responses also carry
// a WWW-Authenticate challenge; the 403 for a missing scope does not) and
// does not call the wrapped handler.
func (s *Server) RequireBearer(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerFromHeader(r)
			if err != nil {
				writeOAuthError(w, r, s.resourceMetadataURL(), err)
				return
			}

			claims, err := s.keypair.VerifyAccessToken(token, crypto.VerifyAccessTokenParams{
				Issuer:   s.cfg.IssuerURL,
				Audience: s.cfg.IssuerURL,
			})
			if err != nil {
				writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidToken("access token is invalid or expired", err))
				return
			}

			for _, required := range scopes {
				if !claims.HasScope(required) {
					writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInsufficientScope("missing required scope: "+required, nil))
					return
				}
			}

			ac := &AuthenticatedClaims{
				Token:    token,
				JTI:      claims.ID,
				UserID:   claims.Subject,
				ClientID: claims.ClientID,
				Scopes:   claims.Scopes(),
			}
			ctx := context.WithValue(r.Context(), contextKeyClaims, ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerFromHeader(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", apierr.NewInvalidToken("missing Authorization header", nil)
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", apierr.NewInvalidToken("Authorization header must use the Bearer scheme", nil)
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", apierr.NewInvalidToken("empty bearer token", nil)
	}
	return token, nil
}
