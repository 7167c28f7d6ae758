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

	"github.com/google/uuid"

	"github.com/privybridge/authbridge/internal/apierr"
	"github.com/privybridge/authbridge/pkg/crypto"
	"github.com/privybridge/authbridge/pkg/store"
)

// tokenResponse is the body of a successful POST /token.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidRequest("malformed form body", err))
		return
	}

	grantType := r.PostForm.Get("grant_type")
	clientID := r.PostForm.Get("client_id")
	if clientID == "" {
		// Client-id inference or defaulting is forbidden.
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidRequest("client_id is required", nil))
		return
	}

	var resp *tokenResponse
	var err error
	switch grantType {
	case "authorization_code":
		resp, err = s.grantAuthorizationCode(r, clientID)
	case "refresh_token":
		resp, err = s.grantRefreshToken(r, clientID)
	default:
		err = apierr.NewUnsupportedGrant("unsupported grant_type", nil)
	}
	if err != nil {
		writeOAuthError(w, r, s.resourceMetadataURL(), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) grantAuthorizationCode(r *http.Request, clientID string) (*tokenResponse, error) {
	code := r.PostForm.Get("code")
	verifier := r.PostForm.Get("code_verifier")
	redirectURI := r.PostForm.Get("redirect_uri")
	if code == "" || verifier == "" || redirectURI == "" {
		return nil, apierr.NewInvalidRequest("code, code_verifier and redirect_uri are required", nil)
	}

	rec, err := s.repos.AuthorizationCodes.FindByCode(r.Context(), code)
	if err != nil {
		return nil, apierr.NewInvalidGrant("unknown authorization code", nil)
	}
	now := time.Now()
	if !rec.IsValid(now) {
		return nil, apierr.NewInvalidGrant("authorization code is used or expired", nil)
	}
	if rec.ClientID != clientID {
		return nil, apierr.NewInvalidGrant("client_id does not match authorization code", nil)
	}
	if rec.RedirectURI != redirectURI {
		return nil, apierr.NewInvalidGrant("redirect_uri does not match authorization code", nil)
	}
	if !crypto.VerifyPKCE(rec.CodeChallenge, verifier) {
		// The code is burned even on mismatch: a replay with the correct
		// verifier afterwards must also fail.
		_ = s.repos.AuthorizationCodes.Delete(r.Context(), code)
		return nil, apierr.NewInvalidGrant("code_verifier does not match code_challenge", nil)
	}

	if err := s.repos.AuthorizationCodes.Delete(r.Context(), code); err != nil {
		return nil, apierr.NewStorageError("failed to delete authorization code", err)
	}

	return s.issueTokenPair(r, rec.ClientID, rec.UpstreamUserID, rec.UpstreamToken, rec.Scopes)
}

func (s *Server) grantRefreshToken(r *http.Request, clientID string) (*tokenResponse, error) {
	raw := r.PostForm.Get("refresh_token")
	if raw == "" {
		return nil, apierr.NewInvalidRequest("refresh_token is required", nil)
	}

	rec, err := s.repos.RefreshTokens.FindByToken(r.Context(), raw)
	if err != nil {
		return nil, apierr.NewInvalidGrant("unknown refresh token", nil)
	}
	now := time.Now()
	if !rec.IsValid(now) {
		return nil, apierr.NewInvalidGrant("refresh token is revoked or expired", nil)
	}
	if rec.ClientID != clientID {
		return nil, apierr.NewInvalidGrant("client_id does not match refresh token", nil)
	}

	// Rotate: delete before issuing the replacement so a concurrent replay
	// of the same token sees invalid_grant, never a second success.
	if err := s.repos.RefreshTokens.DeleteByToken(r.Context(), raw); err != nil {
		return nil, apierr.NewStorageError("failed to delete refresh token", err)
	}

	return s.issueTokenPair(r, rec.ClientID, rec.UpstreamUserID, rec.UpstreamToken, rec.Scopes)
}

// issueTokenPair mints a fresh JWT access token plus a rotated opaque
// refresh token, and writes the corresponding repository rows. The upstream
// token is carried forward unchanged.
func (s *Server) issueTokenPair(r *http.Request, clientID, upstreamUserID, upstreamToken string, scopes []string) (*tokenResponse, error) {
	now := time.Now()
	jti := uuid.NewString()

	accessToken, err := s.keypair.MintAccessToken(crypto.MintAccessTokenParams{
		Issuer:   s.cfg.IssuerURL,
		Subject:  upstreamUserID,
		JTI:      jti,
		Scopes:   scopes,
		ClientID: clientID,
		TTL:      s.cfg.AccessTokenTTL,
		Now:      now,
	})
	if err != nil {
		return nil, apierr.NewServerError("failed to mint access token", err)
	}

	if _, err := s.repos.AccessTokenSessions.Create(r.Context(), &store.AccessTokenSession{
		JTI:            jti,
		ClientID:       clientID,
		UpstreamUserID: upstreamUserID,
		UpstreamToken:  upstreamToken,
		Scopes:         scopes,
		ExpiresAt:      now.Add(s.cfg.AccessTokenTTL),
		CreatedAt:      now,
	}); err != nil {
		return nil, apierr.NewStorageError("failed to store access token session", err)
	}

	refreshToken, err := crypto.GenerateRefreshToken()
	if err != nil {
		return nil, apierr.NewServerError("failed to generate refresh token", err)
	}
	if _, err := s.repos.RefreshTokens.Create(r.Context(), &store.RefreshToken{
		Token:          refreshToken,
		ClientID:       clientID,
		UpstreamUserID: upstreamUserID,
		UpstreamToken:  upstreamToken,
		Scopes:         scopes,
		ExpiresAt:      now.Add(s.cfg.RefreshTokenTTL),
		CreatedAt:      now,
	}); err != nil {
		return nil, apierr.NewStorageError("failed to store refresh token", err)
	}

	return &tokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:        joinScopes(scopes),
	}, nil
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
