// Certificate templates for the two CA tiers, with extensions
// according to RFC 5280.
package authority

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// NewRootCATemplate creates a template for the self-signed Root CA
// certificate:
//   - Basic Constraints: CA=TRUE, pathLenConstraint=1 (critical);
//     the root may delegate exactly one CA tier below itself
//   - Key Usage: digitalSignature, keyCertSign, cRLSign (critical)
//   - Subject Key Identifier derived from the public key
//   - SHA-256 / RSA-PKCS1v15 signature
func NewRootCATemplate(subject pkix.Name, serialNumber *big.Int,
	notBefore, notAfter time.Time, publicKey *rsa.PublicKey) (*x509.Certificate, error) {

	skid, err := SubjectKeyID(publicKey)
	if err != nil {
		return nil, err
	}

	return &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notAfter,

		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,

		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,

		SubjectKeyId:       skid,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, nil
}

// NewIntermediateCATemplate creates a template for the Intermediate CA
// certificate, signed by the Root CA:
//   - Basic Constraints: CA=TRUE, pathLenConstraint=0 (critical);
//     the intermediate may not delegate further
//   - Key Usage: digitalSignature, keyCertSign, cRLSign (critical)
//   - Subject Key Identifier from the intermediate public key
//   - Authority Key Identifier is set by the signer from the Root's
//     SubjectKeyId
func NewIntermediateCATemplate(subject pkix.Name, serialNumber *big.Int,
	notBefore, notAfter time.Time, publicKey *rsa.PublicKey) (*x509.Certificate, error) {

	skid, err := SubjectKeyID(publicKey)
	if err != nil {
		return nil, err
	}

	return &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notAfter,

		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,

		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,

		SubjectKeyId:       skid,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, nil
}

// SubjectKeyID computes the Subject Key Identifier for a public key:
// the SHA-1 hash of the subjectPublicKey BIT STRING (RFC 5280 §4.2.1.2
// method 1).
func SubjectKeyID(publicKey *rsa.PublicKey) ([]byte, error) {
	spkiDER, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spkiDER, &spki); err != nil {
		return nil, fmt.Errorf("failed to unmarshal SubjectPublicKeyInfo: %w", err)
	}

	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:], nil
}
