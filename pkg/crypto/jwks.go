package crypto

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// JWKSet builds the publishable JWK set for this keypair: a single RSA
// public key tagged with the configured kid and alg, suitable for
// GET /.well-known/jwks.json.
func (k *Keypair) JWKSet() (jwk.Set, error) {
	key, err := jwk.Import(k.PrivateKey.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to import public key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, k.KeyID); err != nil {
		return nil, fmt.Errorf("failed to set kid: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, fmt.Errorf("failed to set alg: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set use: %w", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("failed to add key to set: %w", err)
	}
	return set, nil
}
