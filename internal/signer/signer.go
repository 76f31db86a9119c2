// Package signer provides detached RSA signatures over arbitrary data
// using certificate private keys. Signatures are RSA PKCS#1 v1.5 over
// SHA-256 digests, transported as standard base64 text.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// Sign produces a detached signature over data with the given private
// key and returns it as base64 text.
func Sign(data []byte, key *rsa.PrivateKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("signing key is nil")
	}

	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign data: %w", err)
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a detached base64 signature over data against the
// given public key. It reports only whether the signature is valid:
// malformed base64, a wrong key, or tampered data all yield false,
// never an error.
func Verify(data []byte, signatureB64 string, pub *rsa.PublicKey) bool {
	if pub == nil {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil {
		return false
	}

	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// SignFile signs the contents of path and returns the base64 signature.
func SignFile(path string, key *rsa.PrivateKey) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file for signing: %w", err)
	}
	return Sign(data, key)
}

// VerifyFile checks a detached base64 signature against the contents
// of path. Any read error yields false.
func VerifyFile(path, signatureB64 string, pub *rsa.PublicKey) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return Verify(data, signatureB64, pub)
}
