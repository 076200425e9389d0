// Package auth covers the two credential schemes the front-end accepts:
// password login against the AES-encrypted column in MySQL, and the signed
// gateway tokens handed out by the login endpoint. Tokens are JWTs whose
// claim layout mirrors the upstream fleet's, so clients built against an
// upstream work against the gateway unchanged.
package auth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	jwtIssuer   = "ApiStore"
	jwtAudience = "ApiStore"

	claimName = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name"
	claimRole = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"

	// UserTokenTTL is how long an issued gateway token stays valid.
	UserTokenTTL = 48 * time.Hour

	userTokenPrefix = "user_token:"

	// Validated tokens are held in memory this long before Redis is asked
	// again.
	tokenCacheTTL = 30 * time.Minute
)

var ErrBadCiphertext = errors.New("auth: cannot decrypt password")

// PasswordCipher decrypts the sys_user password column: AES-CBC over a
// fixed key and IV, PKCS5 padded, base64 encoded.
type PasswordCipher struct {
	key []byte
	iv  []byte
}

func NewPasswordCipher(key, iv string) (*PasswordCipher, error) {
	if len(key) != aes.BlockSize || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("auth: key and IV must be %d bytes", aes.BlockSize)
	}
	return &PasswordCipher{key: []byte(key), iv: []byte(iv)}, nil
}

// Decrypt recovers the plaintext password from the stored column value.
func (c *PasswordCipher) Decrypt(ciphertextB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d", ErrBadCiphertext, len(raw))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plain, raw)

	plain, err = stripPKCS5(plain)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func stripPKCS5(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrBadCiphertext)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrBadCiphertext)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrBadCiphertext)
		}
	}
	return b[:len(b)-n], nil
}

// KV is the slice of the Redis client the token store uses.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type cachedToken struct {
	username string
	expires  time.Time
}

// Tokens issues and validates gateway tokens. Issued tokens live in Redis
// under user_token:{token} so every gateway process accepts them;
// validation results are cached in memory to keep the hot path off Redis.
type Tokens struct {
	secret []byte
	kv     KV
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedToken
}

func NewTokens(secret string, kv KV, logger *zap.Logger) *Tokens {
	return &Tokens{
		secret: []byte(secret),
		kv:     kv,
		logger: logger,
		cache:  make(map[string]cachedToken),
	}
}

// Issue creates a fresh token bound to username and stores the mapping in
// Redis for the token's lifetime. The username claim is padded to eight
// characters so every token has the same length on the wire.
func (t *Tokens) Issue(ctx context.Context, username string) (string, error) {
	jti, err := freshJTI(username)
	if err != nil {
		return "", fmt.Errorf("auth: issue token: %w", err)
	}

	claims := jwt.MapClaims{
		claimName: padUsername(username),
		claimRole: "0",
		"exp":     time.Now().Add(UserTokenTTL).Unix(),
		"iss":     jwtIssuer,
		"aud":     jwtAudience,
		"jti":     jti,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}

	if err := t.kv.Set(ctx, userTokenPrefix+token, username, UserTokenTTL).Err(); err != nil {
		return "", fmt.Errorf("auth: store token: %w", err)
	}
	return token, nil
}

// Validate resolves a token to its username, or "" for an unknown or
// expired token. The in-memory hit is bounded by tokenCacheTTL; the Redis
// TTL is authoritative.
func (t *Tokens) Validate(ctx context.Context, token string) (string, error) {
	t.mu.Lock()
	if c, ok := t.cache[token]; ok {
		if time.Now().Before(c.expires) {
			t.mu.Unlock()
			return c.username, nil
		}
		delete(t.cache, token)
	}
	t.mu.Unlock()

	username, err := t.kv.Get(ctx, userTokenPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("auth: validate token: %w", err)
	}

	t.mu.Lock()
	t.cache[token] = cachedToken{username: username, expires: time.Now().Add(tokenCacheTTL)}
	t.mu.Unlock()
	return username, nil
}

func padUsername(username string) string {
	if len(username) >= 8 {
		return username[:8]
	}
	return username + "        "[:8-len(username)]
}

// freshJTI makes a short per-issue id so repeated logins by one user get
// distinct tokens.
func freshJTI(username string) (string, error) {
	var nonce [4]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%s", username, time.Now().UnixNano(), hex.EncodeToString(nonce[:]))))
	return hex.EncodeToString(sum[:])[:5], nil
}
