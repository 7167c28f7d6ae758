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
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/privybridge/authbridge/internal/apierr"
	"github.com/privybridge/authbridge/pkg/crypto"
	"github.com/privybridge/authbridge/pkg/store"
)

// scopeList accepts either a space-joined string or a JSON array of scopes.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		str = strings.TrimSpace(str)
		if str == "" {
			*s = nil
			return nil
		}
		*s = strings.Fields(str)
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*s = arr
	return nil
}

// registrationRequest is the body of POST /register (RFC 7591).
type registrationRequest struct {
	RedirectURIs  []string  `json:"redirect_uris"`
	ClientName    string    `json:"client_name,omitempty"`
	GrantTypes    []string  `json:"grant_types,omitempty"`
	ResponseTypes []string  `json:"response_types,omitempty"`
	Scope         scopeList `json:"scope,omitempty"`
}

// registrationResponse is the body returned by POST /register (RFC 7591).
// There is no client secret: PKCE is the sole authentication method.
type registrationResponse struct {
	ClientID         string   `json:"client_id"`
	ClientIDIssuedAt int64    `json:"client_id_issued_at"`
	ClientName       string   `json:"client_name,omitempty"`
	RedirectURIs     []string `json:"redirect_uris"`
	GrantTypes       []string `json:"grant_types"`
	ResponseTypes    []string `json:"response_types"`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`
	Scope            string   `json:"scope,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewInvalidRequest("malformed registration request", err))
		return
	}

	if err := validateRegistration(&req, s.cfg.DeveloperMode); err != nil {
		writeOAuthError(w, r, s.resourceMetadataURL(), err)
		return
	}

	clientID, err := crypto.GenerateClientID()
	if err != nil {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewServerError("failed to generate client id", err))
		return
	}

	client := &store.Client{
		ID:           clientID,
		DisplayName:  req.ClientName,
		RedirectURIs: req.RedirectURIs,
		CreatedAt:    time.Now(),
	}
	if err := s.repos.Clients.Upsert(r.Context(), client); err != nil {
		writeOAuthError(w, r, s.resourceMetadataURL(), apierr.NewStorageError("failed to store registered client", err))
		return
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	writeJSON(w, http.StatusCreated, registrationResponse{
		ClientID:                clientID,
		ClientIDIssuedAt:        time.Now().Unix(),
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: "none",
		Scope:                   strings.Join(req.Scope, " "),
	})
}

func validateRegistration(req *registrationRequest, developerMode bool) error {
	if len(req.RedirectURIs) == 0 {
		return apierr.NewInvalidRequest("redirect_uris must not be empty", nil)
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return apierr.NewInvalidRequest("redirect_uris must be syntactically valid URLs", nil)
		}
		if u.Scheme != "https" && !developerMode {
			return apierr.NewInvalidRequest("redirect_uris must use https outside developer mode", nil)
		}
	}
	for _, gt := range req.GrantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return apierr.NewInvalidRequest("unsupported grant type: "+gt, nil)
		}
	}
	for _, rt := range req.ResponseTypes {
		if rt != "code" {
			return apierr.NewInvalidRequest("unsupported response type: "+rt, nil)
		}
	}
	return nil
}
