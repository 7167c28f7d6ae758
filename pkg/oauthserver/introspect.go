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

	"github.com/privybridge/authbridge/pkg/crypto"
)

// introspectResponse is the body of POST /token/introspect (RFC 7662).
type introspectResponse struct {
	Active   bool   `json:"active"`
	Sub      string `json:"sub,omitempty"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
	Iat      int64  `json:"iat,omitempty"`
	Iss      string `json:"iss,omitempty"`
	Aud      string `json:"aud,omitempty"`
	JTI      string `json:"jti,omitempty"`
}

// handleIntrospect never returns an OAuth error body for a token that fails
// verification: per RFC 7662 that case is reported as {"active": false}.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusOK, introspectResponse{Active: false})
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		writeJSON(w, http.StatusOK, introspectResponse{Active: false})
		return
	}

	claims, err := s.keypair.VerifyAccessToken(token, crypto.VerifyAccessTokenParams{
		Issuer:   s.cfg.IssuerURL,
		Audience: s.cfg.IssuerURL,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, introspectResponse{Active: false})
		return
	}

	// A quarantined session (upstream credential revoked) no longer
	// represents an active grant even though the JWT itself has not expired.
	session, err := s.repos.AccessTokenSessions.FindByJTI(r.Context(), claims.ID)
	if err != nil || session.IsQuarantined() {
		writeJSON(w, http.StatusOK, introspectResponse{Active: false})
		return
	}

	var aud string
	if len(claims.Audience) > 0 {
		aud = claims.Audience[0]
	}

	writeJSON(w, http.StatusOK, introspectResponse{
		Active:   true,
		Sub:      claims.Subject,
		Scope:    claims.Scope,
		ClientID: claims.ClientID,
		Exp:      claims.ExpiresAt.Unix(),
		Iat:      claims.IssuedAt.Unix(),
		Iss:      claims.Issuer,
		Aud:      aud,
		JTI:      claims.ID,
	})
}
