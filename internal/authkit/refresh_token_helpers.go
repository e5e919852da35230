package authkit

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const opaqueByteLength = 32

var randomSource io.Reader = rand.Reader

func newRefreshTokenID() (string, error) {
	identifier, err := uuid.NewRandomFromReader(randomSource)
	if err != nil {
		return "", fmt.Errorf("refresh.token_id: %w", err)
	}
	return identifier.String(), nil
}

func newOpaqueValue() (string, error) {
	buffer := make([]byte, opaqueByteLength)
	if _, err := io.ReadFull(randomSource, buffer); err != nil {
		return "", fmt.Errorf("random.opaque: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
