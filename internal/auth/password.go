package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Password records are stored as "hash$salt". The hash is bcrypt over
// SHA-256(password + salt + username); records written by older releases
// hold the bare SHA-256 hex digest instead and still verify.

func newSalt() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func digest(password, salt, username string) []byte {
	sum := sha256.Sum256([]byte(password + salt + username))
	dst := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(dst, sum[:])
	return dst
}

func hashPassword(password, username string, cost int) (string, error) {
	salt, err := newSalt()
	if err != nil {
		return "", err
	}
	h, err := bcrypt.GenerateFromPassword(digest(password, salt, username), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h) + "$" + salt, nil
}

func verifyPassword(record, password, username string) bool {
	i := strings.LastIndex(record, "$")
	if i < 0 {
		return false
	}
	hash, salt := record[:i], record[i+1:]
	d := digest(password, salt, username)

	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), d) == nil
	}
	return subtle.ConstantTimeCompare([]byte(hash), d) == 1
}
