package wg

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GeneratePrivateKey returns a clamped Curve25519 private key in the base64
// form the wg tooling expects.
func GeneratePrivateKey() (string, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("generate private key: %w", err)
	}
	key[0] &= 248
	key[31] = (key[31] & 127) | 64
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// PublicKey derives the peer's public key from a base64 private key.
func PublicKey(privateKey string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("invalid private key")
	}
	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// GeneratePresharedKey returns 32 random bytes in base64.
func GeneratePresharedKey() (string, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("generate preshared key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// PeerBlockLines builds the four configuration lines that follow a marker.
func PeerBlockLines(publicKey, presharedKey, allowedIP string) []string {
	return []string{
		"[Peer]",
		"PublicKey = " + publicKey,
		"PresharedKey = " + presharedKey,
		"AllowedIPs = " + allowedIP,
	}
}
