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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/privybridge/authbridge/internal/apierr"
	"github.com/privybridge/authbridge/pkg/crypto"
	"github.com/privybridge/authbridge/pkg/store"
)

// authorizeParams is the set of query parameters accepted by GET /authorize.
type authorizeParams struct {
	ResponseType        string
	ClientID             string
	RedirectURI          string
	Scope                string
	State                string
	CodeChallenge        string
	CodeChallengeMethod  string
	Resource             string
}

func parseAuthorizeParams(q url.Values) authorizeParams {
	return authorizeParams{
		ResponseType:        q.Get("response_type"),
		ClientID:             q.Get("client_id"),
		RedirectURI:          q.Get("redirect_uri"),
		Scope:                q.Get("scope"),
		State:                q.Get("state"),
		CodeChallenge:        q.Get("code_challenge"),
		CodeChallengeMethod:  q.Get("code_challenge_method"),
		Resource:             q.Get("resource"),
	}
}

// handleAuthorize validates the request and hands off to the external
// consent UI. Any failure either redirects back to redirect_uri (when it is
// known-good) or returns a 400 JSON error (when the redirect target itself
// cannot be trusted).
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p := parseAuthorizeParams(r.URL.Query())

	if p.ResponseType != "code" {
		s.rejectAuthorize(w, r, p, apierr.NewUnsupportedGrant("response_type must be code", nil))
		return
	}
	if p.ClientID == "" {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidClient("client_id is required", nil))
		return
	}

	client, err := s.repos.Clients.FindByID(r.Context(), p.ClientID)
	if err != nil {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidClient("unknown client_id", nil))
		return
	}
	if p.RedirectURI == "" || !client.HasRedirectURI(p.RedirectURI) {
		// redirect_uri is untrusted: do not redirect, return JSON.
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidRequest("redirect_uri does not match a registered URI", nil))
		return
	}
	if p.CodeChallenge == "" {
		s.rejectAuthorize(w, r, p, apierr.NewInvalidRequest("code_challenge is required", nil))
		return
	}
	if p.CodeChallengeMethod != "S256" {
		s.rejectAuthorize(w, r, p, apierr.NewInvalidRequest("code_challenge_method must be S256", nil))
		return
	}

	// Hand off to the external consent UI, echoing the validated parameters
	// so the UI can post them back to /authorize/complete.
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, consentPageTemplate, p.ClientID, p.RedirectURI, p.Scope, p.State, p.CodeChallenge, p.CodeChallengeMethod)
}

const consentPageTemplate = `<!DOCTYPE html>
<html>
<head><title>Authorize</title></head>
<body>
<form method="post" action="/authorize/complete" id="consent">
<input type="hidden" name="client_id" value="%s">
<input type="hidden" name="redirect_uri" value="%s">
<input type="hidden" name="scope" value="%s">
<input type="hidden" name="state" value="%s">
<input type="hidden" name="code_challenge" value="%s">
<input type="hidden" name="code_challenge_method" value="%s">
</form>
</body>
</html>`

// rejectAuthorize redirects back to redirect_uri with error/error_description/
// state when redirect_uri is present and known-good for the client; it falls
// back to a JSON error body otherwise.
func (s *Server) rejectAuthorize(w http.ResponseWriter, r *http.Request, p authorizeParams, err error) {
	e, ok := apierr.As(err)
	if !ok {
		e = apierr.NewServerError("internal error", err)
	}

	if p.ClientID != "" && p.RedirectURI != "" {
		if client, cerr := s.repos.Clients.FindByID(r.Context(), p.ClientID); cerr == nil && client.HasRedirectURI(p.RedirectURI) {
			redirectURL, perr := url.Parse(p.RedirectURI)
			if perr == nil {
				q := redirectURL.Query()
				q.Set("error", string(e.Kind))
				q.Set("error_description", e.Message)
				if p.State != "" {
					q.Set("state", p.State)
				}
				redirectURL.RawQuery = q.Encode()
				http.Redirect(w, r, redirectURL.String(), http.StatusFound)
				return
			}
		}
	}
	writeOAuthError(w, r, s.resourceMetadataURL(), e)
}

// authorizeCompleteRequest is the body of POST /authorize/complete.
type authorizeCompleteRequest struct {
	State               string `json:"state"`
	PrivyToken          string `json:"privy_token"`
	FallbackToken       string `json:"fallback_token,omitempty"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

type authorizeCompleteResponse struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
	State       string `json:"state"`
}

func (s *Server) handleAuthorizeComplete(w http.ResponseWriter, r *http.Request) {
	var req authorizeCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidRequest("malformed authorize/complete request", err))
		return
	}

	if req.ClientID == "" || req.RedirectURI == "" || req.CodeChallenge == "" {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidRequest("missing required fields", nil))
		return
	}
	client, err := s.repos.Clients.FindByIDAndRedirectURI(r.Context(), req.ClientID, req.RedirectURI)
	if err != nil {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidClient("unknown client_id or redirect_uri", nil))
		return
	}

	upstreamUserID, upstreamToken, err := s.verifyUpstreamIdentity(r.Context(), req.PrivyToken, req.FallbackToken)
	if err != nil {
		writeOAuthError(w, r, s.resourceMetadataURL(), err)
		return
	}

	code, err := crypto.GenerateAuthorizationCode()
	if err != nil {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewServerError("failed to generate authorization code", err))
		return
	}

	scopes := strings.Fields(req.Scope)
	if len(scopes) == 0 {
		scopes = s.cfg.DefaultScopes
	}

	now := time.Now()
	_, err = s.repos.AuthorizationCodes.Create(r.Context(), &store.AuthorizationCode{
		Code:                code,
		ClientID:            client.ID,
		RedirectURI:          req.RedirectURI,
		UpstreamUserID:       upstreamUserID,
		UpstreamToken:        upstreamToken,
		Scopes:               scopes,
		CodeChallenge:        req.CodeChallenge,
		CodeChallengeMethod:  req.CodeChallengeMethod,
		ExpiresAt:            now.Add(s.cfg.AuthorizationCodeTTL),
		CreatedAt:            now,
	})
	if err != nil {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewStorageError("failed to store authorization code", err))
		return
	}

	redirectURL, _ := url.Parse(req.RedirectURI)
	q := redirectURL.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	redirectURL.RawQuery = q.Encode()

	writeJSON(w, http.StatusOK, authorizeCompleteResponse{
		Code:        code,
		RedirectURI: redirectURL.String(),
		State:       req.State,
	})
}
