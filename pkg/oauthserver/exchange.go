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
	"net/http"
	"time"

	"github.com/privybridge/authbridge/internal/apierr"
)

// exchangeResponse is the body of a successful POST /token/privy/access-token.
type exchangeResponse struct {
	UpstreamAccessToken string   `json:"upstreamAccessToken"`
	ExpiresAt           int64    `json:"expiresAt"`
	IssuedAt            int64    `json:"issuedAt"`
	UserID              string   `json:"userId"`
	Scopes              []string `json:"scopes"`
}

// handleCredentialExchange trades the caller's own bearer token for the
// upstream credential backing its session. It is the one endpoint where an
// invalidated upstream credential is reported with a distinguished OAuth
// error code (privy_token_invalid) rather than the generic
// upstream_token_invalid kind used elsewhere; the upstream client recognizes
// that code and turns it into an UpstreamTokenInvalid error, which the
// dispatcher answers with the reauth signal.
func (s *Server) handleCredentialExchange(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewServerError("missing authenticated claims", nil))
		return
	}

	if claims.JTI == "" {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidToken("access token is missing jti", nil))
		return
	}

	session, err := s.repos.AccessTokenSessions.FindByJTI(r.Context(), claims.JTI)
	if err != nil {
		writeJSON(w, http.StatusNotFound, oauthErrorBody{Error: "token_not_found", ErrorDescription: "no session for this access token"})
		return
	}

	if session.UpstreamUserID != claims.UserID {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidToken("session upstream user does not match token subject", nil))
		return
	}

	now := time.Now()
	if session.ExpiresAt.Before(now) {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidToken("session has expired", nil))
		return
	}

	if session.IsQuarantined() {
		s.writePrivyTokenInvalid(w, r)
		return
	}

	writeJSON(w, http.StatusOK, exchangeResponse{
		UpstreamAccessToken: session.UpstreamToken,
		ExpiresAt:           session.ExpiresAt.Unix(),
		IssuedAt:            session.CreatedAt.Unix(),
		UserID:              session.UpstreamUserID,
		Scopes:              session.Scopes,
	})
}

// writePrivyTokenInvalid writes the literal 401 privy_token_invalid response
// the credential-exchange endpoint is required to produce for a quarantined
// session, distinct from the generic upstream_token_invalid error kind used
// everywhere else in the taxonomy.
func (s *Server) writePrivyTokenInvalid(w http.ResponseWriter, r *http.Request) {
	const description = "Your connection has expired. Please sign in again."
	w.Header().Set("WWW-Authenticate", bearerChallenge(s.resourceMetadataURL(), "invalid_token", description))
	writeJSON(w, http.StatusUnauthorized, oauthErrorBody{Error: "privy_token_invalid", ErrorDescription: description})
}
