package internal

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
)

const alphanumerics = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func GenerateBlob(blobLen int) (string, error) {
	b := make([]byte, blobLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	// url-safe no padding
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateAlphanumeric returns a random string of n characters from [a-zA-Z0-9].
func GenerateAlphanumeric(n int) (string, error) {
	return generateFrom(alphanumerics, n)
}

// GenerateDigits returns a random string of n decimal digits, leading zeros included.
func GenerateDigits(n int) (string, error) {
	return generateFrom(alphanumerics[52:], n)
}

func generateFrom(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}
