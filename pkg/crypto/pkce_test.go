package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPKCE_RFC7636Example(t *testing.T) {
	t.Parallel()

	// RFC 7636 Appendix B example.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.True(t, VerifyPKCE(challenge, verifier))
	assert.False(t, VerifyPKCE(challenge, verifier+"x"))
	assert.False(t, VerifyPKCE("", verifier))
	assert.False(t, VerifyPKCE(challenge, ""))
}

func TestVerifyPKCE_AnyOtherVerifierFails(t *testing.T) {
	t.Parallel()

	sum := sha256.Sum256([]byte("correct-verifier"))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	assert.True(t, VerifyPKCE(challenge, "correct-verifier"))
	assert.False(t, VerifyPKCE(challenge, "wrong-verifier"))
}

func TestGenerateAuthorizationCode(t *testing.T) {
	t.Parallel()

	code, err := GenerateAuthorizationCode()
	require.NoError(t, err)
	// 256 bits, hex-encoded.
	assert.Len(t, code, 64)

	other, err := GenerateAuthorizationCode()
	require.NoError(t, err)
	assert.NotEqual(t, code, other)
}

func TestGenerateRefreshToken(t *testing.T) {
	t.Parallel()

	token, err := GenerateRefreshToken()
	require.NoError(t, err)
	// 384 bits, hex-encoded.
	assert.Len(t, token, 96)

	code, err := GenerateAuthorizationCode()
	require.NoError(t, err)
	assert.NotEqual(t, code, token[:64])
}
