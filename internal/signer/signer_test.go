package signer_test

import (
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"

	"pkicore/internal/signer"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestSignAndVerify(t *testing.T) {
	key := testKey(t)
	data := []byte("the quick brown fox")

	sig, err := signer.Sign(data, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig == "" {
		t.Fatal("signature must not be empty")
	}

	if !signer.Verify(data, sig, &key.PublicKey) {
		t.Error("valid signature rejected")
	}
}

func TestVerify_TamperedData(t *testing.T) {
	key := testKey(t)
	data := []byte("original payload")

	sig, err := signer.Sign(data, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if signer.Verify([]byte("tampered payload"), sig, &key.PublicKey) {
		t.Error("signature over tampered data accepted")
	}
}

func TestVerify_WrongKey(t *testing.T) {
	key := testKey(t)
	other := testKey(t)
	data := []byte("payload")

	sig, err := signer.Sign(data, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if signer.Verify(data, sig, &other.PublicKey) {
		t.Error("signature accepted with the wrong public key")
	}
}

func TestVerify_MalformedSignature(t *testing.T) {
	key := testKey(t)
	data := []byte("payload")

	// Invalid base64 and garbage base64 must both yield false, not panic
	if signer.Verify(data, "not-base64!!!", &key.PublicKey) {
		t.Error("malformed base64 accepted")
	}
	if signer.Verify(data, "aGVsbG8=", &key.PublicKey) {
		t.Error("garbage signature accepted")
	}
	if signer.Verify(data, "", &key.PublicKey) {
		t.Error("empty signature accepted")
	}
}

func TestVerify_NilKey(t *testing.T) {
	if signer.Verify([]byte("data"), "aGVsbG8=", nil) {
		t.Error("nil public key accepted")
	}
}

func TestSign_NilKey(t *testing.T) {
	if _, err := signer.Sign([]byte("data"), nil); err == nil {
		t.Error("expected error for nil private key")
	}
}

func TestSignFileAndVerifyFile(t *testing.T) {
	key := testKey(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")

	if err := os.WriteFile(path, []byte("file contents"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	sig, err := signer.SignFile(path, key)
	if err != nil {
		t.Fatalf("sign file: %v", err)
	}

	if !signer.VerifyFile(path, sig, &key.PublicKey) {
		t.Error("valid file signature rejected")
	}

	// Signature text with surrounding whitespace still verifies
	if !signer.VerifyFile(path, sig+"\n", &key.PublicKey) {
		t.Error("signature with trailing newline rejected")
	}

	if err := os.WriteFile(path, []byte("modified contents"), 0644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	if signer.VerifyFile(path, sig, &key.PublicKey) {
		t.Error("signature over modified file accepted")
	}
}

func TestVerifyFile_MissingFile(t *testing.T) {
	key := testKey(t)
	if signer.VerifyFile(filepath.Join(t.TempDir(), "missing"), "aGVsbG8=", &key.PublicKey) {
		t.Error("missing file accepted")
	}
}
