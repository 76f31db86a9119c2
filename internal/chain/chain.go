// Package chain validates the three-level certificate chain produced
// by the authority and issuer packages: root CA, intermediate CA and
// an issued leaf certificate.
package chain

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"pkicore/internal/authority"
)

// Chain holds the three levels of a verification chain.
type Chain struct {
	Leaf         *x509.Certificate
	Intermediate *x509.Certificate
	Root         *x509.Certificate
}

// Load builds a chain from certificate files on disk.
func Load(leafPath, intermediatePath, rootPath string) (*Chain, error) {
	leaf, err := authority.LoadCertificate(leafPath)
	if err != nil {
		return nil, fmt.Errorf("load leaf certificate: %w", err)
	}
	intermediate, err := authority.LoadCertificate(intermediatePath)
	if err != nil {
		return nil, fmt.Errorf("load intermediate certificate: %w", err)
	}
	root, err := authority.LoadCertificate(rootPath)
	if err != nil {
		return nil, fmt.Errorf("load root certificate: %w", err)
	}

	return &Chain{Leaf: leaf, Intermediate: intermediate, Root: root}, nil
}

// FromPEM builds a chain where the leaf comes from a PEM string (as
// stored in the certificate database) and the CA certificates come
// from files.
func FromPEM(leafPEM string, intermediatePath, rootPath string) (*Chain, error) {
	block, _ := pem.Decode([]byte(leafPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("leaf PEM does not contain a certificate block")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}

	intermediate, err := authority.LoadCertificate(intermediatePath)
	if err != nil {
		return nil, fmt.Errorf("load intermediate certificate: %w", err)
	}
	root, err := authority.LoadCertificate(rootPath)
	if err != nil {
		return nil, fmt.Errorf("load root certificate: %w", err)
	}

	return &Chain{Leaf: leaf, Intermediate: intermediate, Root: root}, nil
}

// Verify checks the chain end to end: CA flags at each level,
// validity windows, signatures, CA key usage and the path length
// constraints (root pathLen 1, intermediate pathLen 0).
func (c *Chain) Verify() error {
	if c.Leaf.IsCA {
		return fmt.Errorf("leaf certificate must not be a CA")
	}
	if !c.Intermediate.IsCA {
		return fmt.Errorf("intermediate certificate is not a CA")
	}
	if !c.Root.IsCA {
		return fmt.Errorf("root certificate is not a CA")
	}

	now := time.Now()
	for _, level := range []struct {
		name string
		cert *x509.Certificate
	}{
		{"leaf", c.Leaf},
		{"intermediate", c.Intermediate},
		{"root", c.Root},
	} {
		if now.Before(level.cert.NotBefore) || now.After(level.cert.NotAfter) {
			return fmt.Errorf("%s certificate is outside its validity window", level.name)
		}
	}

	if err := c.Leaf.CheckSignatureFrom(c.Intermediate); err != nil {
		return fmt.Errorf("leaf is not signed by intermediate: %w", err)
	}
	if err := c.Intermediate.CheckSignatureFrom(c.Root); err != nil {
		return fmt.Errorf("intermediate is not signed by root: %w", err)
	}
	if err := c.Root.CheckSignatureFrom(c.Root); err != nil {
		return fmt.Errorf("root is not self-signed: %w", err)
	}

	caUsage := x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	if c.Intermediate.KeyUsage&caUsage != caUsage {
		return fmt.Errorf("intermediate CA lacks keyCertSign/cRLSign usage")
	}
	if c.Root.KeyUsage&caUsage != caUsage {
		return fmt.Errorf("root CA lacks keyCertSign/cRLSign usage")
	}

	// Intermediate pathLen 0 forbids further subordinate CAs; a leaf
	// below it is fine. Root pathLen must admit one intermediate.
	if c.Root.MaxPathLen == 0 && c.Root.MaxPathLenZero {
		return fmt.Errorf("root path length constraint forbids an intermediate CA")
	}

	return nil
}

// Describe returns a human-readable rendering of the chain.
func (c *Chain) Describe() string {
	var b strings.Builder

	describe := func(title string, cert *x509.Certificate) {
		fmt.Fprintf(&b, "%s:\n", title)
		fmt.Fprintf(&b, "  Subject: %s\n", cert.Subject)
		fmt.Fprintf(&b, "  Issuer:  %s\n", cert.Issuer)
		fmt.Fprintf(&b, "  Serial:  %X\n", cert.SerialNumber)
		fmt.Fprintf(&b, "  Valid:   %s to %s\n",
			cert.NotBefore.Format("2006-01-02"),
			cert.NotAfter.Format("2006-01-02"))
	}

	describe("Root CA", c.Root)
	fmt.Fprintf(&b, "  PathLen: %d\n\n", c.Root.MaxPathLen)
	describe("Intermediate CA", c.Intermediate)
	fmt.Fprintf(&b, "  PathLen: %d\n\n", c.Intermediate.MaxPathLen)
	describe("Leaf", c.Leaf)
	fmt.Fprintf(&b, "  DNS Names: %v\n", c.Leaf.DNSNames)
	fmt.Fprintf(&b, "  Email:     %v\n", c.Leaf.EmailAddresses)

	return b.String()
}
