// Package secrets generates and hashes credential material.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when no stored hash exists so that unknown identifiers cost
// the same as wrong secrets.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("unused-placeholder-secret"), bcrypt.DefaultCost)

// Cost is the bcrypt cost used for new hashes. Tests lower it to bcrypt.MinCost.
var Cost = bcrypt.DefaultCost

// Token returns n random bytes hex encoded.
func Token(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Hash returns a bcrypt hash of a password or client secret.
func Hash(p string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(p), Cost)
	return string(b), err
}

// Compare reports whether p matches hash. An empty hash still performs a full comparison.
func Compare(hash, p string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(p))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) == nil
}

// Digest is the lookup key for high-entropy bearer values (codes, refresh tokens).
// bcrypt is not usable here since the store must find the row by value.
func Digest(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
