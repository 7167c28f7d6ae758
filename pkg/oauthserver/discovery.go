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

import "net/http"

// authServerMetadata is the discovery document of
// GET /.well-known/oauth-authorization-server.
type authServerMetadata struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	RegistrationEndpoint             string   `json:"registration_endpoint"`
	IntrospectionEndpoint            string   `json:"introspection_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	ScopesSupported                  []string `json:"scopes_supported"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

func (s *Server) handleAuthServerMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, authServerMetadata{
		Issuer:                        s.cfg.IssuerURL,
		AuthorizationEndpoint:         s.cfg.IssuerURL + "/authorize",
		TokenEndpoint:                 s.cfg.IssuerURL + "/token",
		RegistrationEndpoint:          s.cfg.IssuerURL + "/register",
		IntrospectionEndpoint:         s.cfg.IssuerURL + "/token/introspect",
		JWKSURI:                       s.cfg.IssuerURL + "/.well-known/jwks.json",
		ScopesSupported:               s.cfg.SupportedScopes,
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported: []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	})
}

// protectedResourceMetadata is the document of
// GET /.well-known/oauth-protected-resource.
type protectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protectedResourceMetadata{
		Resource:               s.cfg.IssuerURL,
		AuthorizationServers:   []string{s.cfg.IssuerURL},
		ScopesSupported:        s.cfg.SupportedScopes,
		BearerMethodsSupported: []string{"header"},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	set, err := s.keypair.JWKSet()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, oauthErrorBody{Error: "server_error"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = writeJWKSet(w, set)
}
