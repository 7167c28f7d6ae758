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

	"github.com/privybridge/authbridge/internal/apierr"
	"github.com/privybridge/authbridge/internal/logger"
)

// oauthErrorBody is the OAuth 2.1-shaped JSON error body returned by every
// endpoint in this package.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeJSON writes v as a JSON body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

// writeOAuthError translates err into an OAuth-shaped JSON error body and
// writes it with the status conventionally associated with its kind.
func writeOAuthError(w http.ResponseWriter, r *http.Request, resourceMetadataURL string, err error) {
	e, ok := apierr.As(err)
	if !ok {
		e = apierr.NewServerError("internal error", err)
	}

	if e.Status() == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", bearerChallenge(resourceMetadataURL, string(e.Kind), e.Message))
	}

	logger.Warnw("oauth request failed", "path", r.URL.Path, "kind", e.Kind, "status", e.Status())
	writeJSON(w, e.Status(), oauthErrorBody{Error: string(e.Kind), ErrorDescription: e.Message})
}

// bearerChallenge builds a WWW-Authenticate: Bearer header value.
func bearerChallenge(resourceMetadataURL, errCode, errDescription string) string {
	if errCode == "" {
		return fmt.Sprintf(`Bearer resource_metadata=%q`, resourceMetadataURL)
	}
	return fmt.Sprintf(`Bearer resource_metadata=%q, error=%q, error_description=%q`, resourceMetadataURL, errCode, errDescription)
}
