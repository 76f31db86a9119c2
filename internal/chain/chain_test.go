package chain_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"pkicore/internal/authority"
	"pkicore/internal/chain"
	"pkicore/internal/config"
	"pkicore/internal/issuer"
)

func setup(t *testing.T) (*config.Config, *authority.Authority, *issuer.Issuer) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.RootCADir = filepath.Join(dir, "root_ca")
	cfg.Storage.IntermediateDir = filepath.Join(dir, "intermediate_ca")
	cfg.Storage.IssuedDir = filepath.Join(dir, "issued")
	cfg.Database.Path = filepath.Join(dir, "pki.db")

	ca := authority.New(cfg, zerolog.Nop())
	if err := ca.Bootstrap(); err != nil {
		t.Fatalf("bootstrap CA: %v", err)
	}

	return cfg, ca, issuer.New(cfg, ca, nil, zerolog.Nop())
}

func TestVerify_FullChain(t *testing.T) {
	_, ca, iss := setup(t)

	issued, err := iss.Issue("Alice", "alice@example.com", "")
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}

	c, err := chain.FromPEM(issued.PEM, ca.IntermediateCertPath(), ca.RootCertPath())
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}

	if err := c.Verify(); err != nil {
		t.Errorf("valid chain rejected: %v", err)
	}
}

func TestVerify_LeafFromWrongCA(t *testing.T) {
	_, ca, _ := setup(t)

	// A leaf issued by a different, unrelated hierarchy
	_, _, otherIss := setup(t)
	foreign, err := otherIss.Issue("Mallory", "mallory@example.com", "")
	if err != nil {
		t.Fatalf("issue foreign certificate: %v", err)
	}

	c, err := chain.FromPEM(foreign.PEM, ca.IntermediateCertPath(), ca.RootCertPath())
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}

	err = c.Verify()
	if err == nil {
		t.Fatal("chain with a foreign leaf accepted")
	}
	if !strings.Contains(err.Error(), "not signed by intermediate") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestVerify_IntermediateAsLeaf(t *testing.T) {
	_, ca, _ := setup(t)

	c, err := chain.Load(ca.IntermediateCertPath(), ca.IntermediateCertPath(), ca.RootCertPath())
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}

	if err := c.Verify(); err == nil {
		t.Error("CA certificate accepted as leaf")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, ca, _ := setup(t)

	_, err := chain.Load(filepath.Join(t.TempDir(), "missing.crt"),
		ca.IntermediateCertPath(), ca.RootCertPath())
	if err == nil {
		t.Error("expected error for a missing leaf file")
	}
}

func TestFromPEM_Garbage(t *testing.T) {
	_, ca, _ := setup(t)

	_, err := chain.FromPEM("not a pem", ca.IntermediateCertPath(), ca.RootCertPath())
	if err == nil {
		t.Error("expected error for malformed leaf PEM")
	}
}

func TestDescribe(t *testing.T) {
	cfg, ca, iss := setup(t)

	issued, err := iss.Issue("Alice", "alice@example.com", "")
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}

	c, err := chain.FromPEM(issued.PEM, ca.IntermediateCertPath(), ca.RootCertPath())
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}

	out := c.Describe()
	for _, want := range []string{cfg.CA.RootCN, cfg.CA.IntermediateCN, "Alice", "alice@example.com"} {
		if !strings.Contains(out, want) {
			t.Errorf("description is missing %q", want)
		}
	}
}
