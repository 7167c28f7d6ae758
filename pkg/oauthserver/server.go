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

// Package oauthserver implements the OAuth 2.1 authorization server surface:
// discovery metadata, dynamic client registration, the authorization and
// token endpoints, introspection, the credential-exchange endpoint, and the
// bearer-validation middleware consumed by the tool dispatcher.
package oauthserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/privybridge/authbridge/pkg/crypto"
	"github.com/privybridge/authbridge/pkg/store"
)

// Config is the subset of process configuration the OAuth server needs.
type Config struct {
	IssuerURL string

	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	AuthorizationCodeTTL time.Duration

	SupportedScopes     []string
	DefaultScopes       []string
	AllowedRedirectURIs []string
	DeveloperMode       bool
}

// Server bundles everything the OAuth HTTP handlers need: the signing
// keypair, the repositories, resolved configuration, and the collaborator
// that verifies upstream identity tokens during consent completion.
type Server struct {
	cfg              Config
	keypair          *crypto.Keypair
	repos            *store.Repositories
	identityVerifier UpstreamIdentityVerifier
}

// New constructs a Server.
func New(cfg Config, keypair *crypto.Keypair, repos *store.Repositories, identityVerifier UpstreamIdentityVerifier) *Server {
	return &Server{cfg: cfg, keypair: keypair, repos: repos, identityVerifier: identityVerifier}
}

// Router mounts every OAuth/discovery endpoint on a fresh chi.Router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/.well-known/oauth-authorization-server", s.handleAuthServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.Post("/register", s.handleRegister)

	r.Get("/authorize", s.handleAuthorize)
	r.Post("/authorize/complete", s.handleAuthorizeComplete)

	r.Post("/token", s.handleToken)
	r.Post("/token/introspect", s.handleIntrospect)
	r.With(s.RequireBearer("privy:token:exchange")).Post("/token/privy/access-token", s.handleCredentialExchange)

	return r
}

// resourceMetadataURL is the value advertised in WWW-Authenticate headers
// and the protected-resource metadata document.
func (s *Server) resourceMetadataURL() string {
	return s.cfg.IssuerURL + "/.well-known/oauth-protected-resource"
}
