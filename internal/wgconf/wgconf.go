// Package wgconf renders WireGuard client configs and handles curve25519 keys.
package wgconf

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const (
	DefaultDNS        = "1.1.1.1, 1.0.0.1"
	DefaultMTU        = 1420
	DefaultAllowedIPs = "0.0.0.0/0, ::/0"
	DefaultKeepalive  = 25
)

// Peer holds everything needed to render a client config.
type Peer struct {
	PrivateKey      string
	ClientIP        string
	DNS             string
	ServerPublicKey string
	PresharedKey    string
	Endpoint        string
	AllowedIPs      string
}

// Render returns the client wg-quick config for p.
func Render(p Peer) string {
	dns := p.DNS
	if dns == "" {
		dns = DefaultDNS
	}
	allowed := p.AllowedIPs
	if allowed == "" {
		allowed = DefaultAllowedIPs
	}
	addr := p.ClientIP
	if addr != "" && !strings.Contains(addr, "/") {
		addr += "/32"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", p.PrivateKey)
	fmt.Fprintf(&b, "Address = %s\n", addr)
	fmt.Fprintf(&b, "DNS = %s\n", dns)
	fmt.Fprintf(&b, "MTU = %d\n", DefaultMTU)
	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.ServerPublicKey)
	if p.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
	}
	fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", allowed)
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", DefaultKeepalive)
	return b.String()
}

// GenerateKeyPair returns a fresh base64 private/public key pair.
func GenerateKeyPair() (privateKeyB64, publicKeyB64 string, err error) {
	var privateKey [32]byte
	if _, err = rand.Read(privateKey[:]); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}

	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	publicKey, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("computing public key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(privateKey[:]),
		base64.StdEncoding.EncodeToString(publicKey), nil
}

// PublicKey derives the public key of a base64 private key.
func PublicKey(privateKeyB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("invalid private key length: %d", len(raw))
	}
	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// ValidKey reports whether s is a base64-encoded 32 byte key.
func ValidKey(s string) bool {
	raw, err := base64.StdEncoding.DecodeString(s)
	return err == nil && len(raw) == 32
}
