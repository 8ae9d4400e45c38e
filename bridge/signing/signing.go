// Package signing implements Ed25519 signing and verification of canonical
// bridge requests. Private keys travel as base64 PKCS8 DER, public keys as
// base64 raw 32-byte Ed25519 material.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrKeyImport wraps any failure to decode or parse key material. Signature
// mismatches are never reported through this error; they are a plain false.
var ErrKeyImport = errors.New("key import failed")

// ParsePrivateKey decodes a base64 PKCS8 DER Ed25519 private key.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode private key: %v", ErrKeyImport, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse pkcs8: %v", ErrKeyImport, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ed25519 private key", ErrKeyImport)
	}
	return key, nil
}

// ParsePublicKey decodes a base64 raw Ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode public key: %v", ErrKeyImport, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrKeyImport, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Sign returns the base64 raw Ed25519 signature over the UTF-8 bytes of the
// canonical string.
func Sign(priv ed25519.PrivateKey, canonical string) string {
	sig := ed25519.Sign(priv, []byte(canonical))
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify reports whether signature was produced over canonical by the holder
// of pub. A mismatch is (false, nil); only malformed input is an error.
func Verify(pub ed25519.PublicKey, canonical, signature string) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return false, fmt.Errorf("signature is %d bytes, want %d", len(raw), ed25519.SignatureSize)
	}
	return ed25519.Verify(pub, []byte(canonical), raw), nil
}

// GenerateKeypair mints a fresh Ed25519 keypair encoded for the bridge wire
// formats: base64 PKCS8 DER private key, base64 raw public key.
func GenerateKeypair() (privateKey string, publicKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal pkcs8: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), base64.StdEncoding.EncodeToString(pub), nil
}
