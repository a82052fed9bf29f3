package controlapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/gapmesh/core/internal/keychain"
)

// pairingSecretSize is the byte length of the random pairing secret shown
// to the operator once, on first start.
const pairingSecretSize = 32

// tokenTTL bounds how long an issued JWT is valid; a host-automation client
// re-authenticates with the pairing secret past this.
const tokenTTL = 12 * time.Hour

type claims struct {
	jwt.RegisteredClaims
}

// ensurePairingSecret loads the bcrypt-hashed pairing secret from kc. If
// none exists yet, it mints one and returns its plaintext (freshlyMinted
// true) so the caller can log it exactly once; the plaintext itself is
// never persisted.
func ensurePairingSecret(ctx context.Context, kc keychain.Keychain) (secret string, freshlyMinted bool, err error) {
	if _, err := kc.Get(ctx, keychain.KeyControlPairing); err == nil {
		return "", false, nil
	} else if !errors.Is(err, keychain.ErrNotFound) {
		return "", false, fmt.Errorf("controlapi: load pairing secret: %w", err)
	}

	var raw [pairingSecretSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", false, fmt.Errorf("controlapi: generate pairing secret: %w", err)
	}
	secret = hex.EncodeToString(raw[:])

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", false, fmt.Errorf("controlapi: hash pairing secret: %w", err)
	}
	if err := kc.Set(ctx, keychain.KeyControlPairing, hash); err != nil {
		return "", false, fmt.Errorf("controlapi: store pairing secret: %w", err)
	}
	return secret, true, nil
}

func checkPairingSecret(ctx context.Context, kc keychain.Keychain, secret string) bool {
	hash, err := kc.Get(ctx, keychain.KeyControlPairing)
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}

func generateToken(jwtSecret []byte) (string, time.Time, error) {
	expiresAt := time.Now().Add(tokenTTL)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   "controlapi",
		},
	})
	signed, err := tok.SignedString(jwtSecret)
	return signed, expiresAt, err
}

// authMiddleware rejects any request without a valid bearer token signed
// with jwtSecret.
func authMiddleware(jwtSecret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr := strings.TrimPrefix(header, "Bearer ")
		if tokenStr == "" || tokenStr == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		_, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
			return jwtSecret, nil
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Next()
	}
}
