package authkit

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	stateByteLength     = 16
	csrfByteLength      = 32
	sessionIDByteLength = 32
)

var randomSource io.Reader = rand.Reader

func randomBytes(length int) ([]byte, error) {
	buffer := make([]byte, length)
	if _, err := io.ReadFull(randomSource, buffer); err != nil {
		return nil, fmt.Errorf("auth.random: %w", err)
	}
	return buffer, nil
}

func randomHex(length int) (string, error) {
	buffer, err := randomBytes(length)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer), nil
}

func newCSRFToken() (string, error) {
	return randomHex(csrfByteLength)
}

func newSessionID() (string, error) {
	buffer, err := randomBytes(sessionIDByteLength)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
