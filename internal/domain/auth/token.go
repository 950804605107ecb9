package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// SecretPrefix marks Dockhand agent tokens so they are recognizable in
// config files and process lists without revealing anything.
const SecretPrefix = "dck_"

// TokenService verifies presented agent tokens against a store. It is the
// TokenVerifier consumed by the tunnel handshake.
type TokenService struct {
	store TokenStore
}

// NewTokenService creates a TokenService over the given store.
func NewTokenService(store TokenStore) *TokenService {
	return &TokenService{store: store}
}

// Compile-time check that TokenService implements TokenVerifier.
var _ TokenVerifier = (*TokenService)(nil)

// Verify checks a presented token and returns the endpoint grant it
// authorizes. Returns ErrInvalidToken for unknown, revoked or expired
// tokens.
//
// SHA-256 hashes are resolved by direct lookup (fast path for
// config-seeded tokens); Argon2id hashes require iterating the store.
func (s *TokenService) Verify(ctx context.Context, presented string) (*Grant, error) {
	if presented == "" {
		return nil, ErrInvalidToken
	}

	if tok, err := s.store.GetByHash(ctx, "sha256:"+HashToken(presented)); err == nil {
		return s.resolve(tok)
	}
	if tok, err := s.store.GetByHash(ctx, HashToken(presented)); err == nil {
		return s.resolve(tok)
	}

	all, err := s.store.List(ctx)
	if err != nil {
		return nil, ErrInvalidToken
	}
	for _, candidate := range all {
		match, verifyErr := VerifyToken(presented, candidate.Hash)
		if verifyErr != nil {
			continue
		}
		if match {
			return s.resolve(candidate)
		}
	}
	return nil, ErrInvalidToken
}

func (s *TokenService) resolve(tok *Token) (*Grant, error) {
	if tok.Revoked || tok.IsExpired() {
		return nil, ErrInvalidToken
	}
	return &Grant{
		EndpointID: tok.EndpointID,
		TokenID:    tok.ID,
		TokenName:  tok.Name,
	}, nil
}

// GenerateSecret produces a fresh plaintext agent token. Shown once at
// provisioning time; only its hash is stored.
func GenerateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(buf), nil
}

// HashToken returns the SHA-256 hex hash of the raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// argon2idParams follows the OWASP minimum for Argon2id.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashTokenArgon2id returns an Argon2id hash of the raw token in PHC
// format: $argon2id$v=19$m=47104,t=1,p=1$<salt>$<hash>
func HashTokenArgon2id(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

// DetectHashType identifies the algorithm of a stored hash. Returns
// "argon2id" for PHC format, "sha256" for prefixed or bare hex, "unknown"
// otherwise.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyToken verifies a raw token against a stored hash. Returns
// (false, ErrUnknownHashType) for unrecognized hash formats.
func VerifyToken(raw, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(raw, storedHash)

	case "sha256":
		expected := strings.TrimPrefix(storedHash, "sha256:")
		computed := HashToken(raw)
		// Constant-time compare to keep lookup timing flat.
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil

	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery: the underlying argon2 library panics on malformed PHC strings
// (t=0 rounds, p=0 parallelism) and verification must never take the
// process down.
func safeArgon2idCompare(raw, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, storedHash)
}
