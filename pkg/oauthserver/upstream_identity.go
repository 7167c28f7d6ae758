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

	"github.com/privybridge/authbridge/internal/apierr"
	"github.com/privybridge/authbridge/internal/logger"
)

// UpstreamIdentityVerifier proves a user's identity by verifying an upstream
// access token and returning the upstream user id it asserts.
type UpstreamIdentityVerifier interface {
	VerifyUpstreamToken(ctx context.Context, token string) (upstreamUserID string, err error)
}

// verifyUpstreamIdentity tries the primary token first; if it fails, the
// fallback token (when supplied) is tried before rejecting. It returns the
// user id and whichever token actually verified, since that is the
// credential carried forward into the authorization code record.
func (s *Server) verifyUpstreamIdentity(ctx context.Context, primary, fallback string) (string, string, error) {
	if s.identityVerifier == nil {
		return "", "", apierr.NewServerError("no upstream identity verifier configured", nil)
	}

	userID, err := s.identityVerifier.VerifyUpstreamToken(ctx, primary)
	if err == nil {
		return userID, primary, nil
	}
	if fallback == "" {
		return "", "", apierr.NewInvalidRequest("upstream identity verification failed", err)
	}

	logger.Warnw("primary upstream token verification failed, trying fallback", "error", err)
	userID, err = s.identityVerifier.VerifyUpstreamToken(ctx, fallback)
	if err != nil {
		return "", "", apierr.NewInvalidRequest("upstream identity verification failed", err)
	}
	return userID, fallback, nil
}
