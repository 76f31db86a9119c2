// Package issuer реализует выпуск конечных (end-entity) сертификатов,
// подписанных промежуточным CA.
//
// Выпущенный сертификат никогда не может подписывать другие
// сертификаты: BasicConstraints.CA=false - критическое расширение.
// Сохранение записи EndEntityCertificate в хранилище - обязанность
// вызывающего кода (см. пакет lifecycle).
package issuer

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pkicore/internal/authority"
	"pkicore/internal/config"
	"pkicore/internal/keys"
	"pkicore/internal/serial"
)

// oidEmailAddress - OID атрибута emailAddress в DN (PKCS#9).
var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// IssuedCertificate - результат выпуска: PEM сертификата и метаданные
// для записи в хранилище.
type IssuedCertificate struct {
	PEM          string
	Serial       *big.Int
	SerialHex    string
	Owner        string
	Email        string
	Organization string
	IssuedBy     string
	NotBefore    time.Time
	NotAfter     time.Time
}

// Issuer выпускает конечные сертификаты под промежуточным CA.
type Issuer struct {
	cfg     *config.Config
	ca      *authority.Authority
	serials serial.UniquenessChecker
	log     zerolog.Logger
}

// New создаёт Issuer. checker проверяет уникальность серийных номеров
// по хранилищу сертификатов; nil допустим только в тестах.
func New(cfg *config.Config, ca *authority.Authority, checker serial.UniquenessChecker, log zerolog.Logger) *Issuer {
	return &Issuer{
		cfg:     cfg,
		ca:      ca,
		serials: checker,
		log:     log.With().Str("component", "issuer").Logger(),
	}
}

// Issue выпускает конечный сертификат для владельца.
// Шаги:
//  1. Генерация свежей ключевой пары субъекта; закрытый ключ
//     сохраняется в хранилище выпущенного материала под безопасным для
//     файловой системы именем владельца (пробелы → подчёркивания).
//  2. Загрузка промежуточного CA (ErrNotBootstrapped, если отсутствует).
//  3. Построение DN субъекта {C, O (переопределение или O CA), CN}
//     с опциональным атрибутом email.
//  4. Серийный номер: 160 бит случайности с проверкой уникальности по
//     хранилищу и повтором при коллизии.
//  5. Расширения конечного сертификата (см. leafTemplate).
//  6. Подпись закрытым ключом промежуточного CA, SHA-256/RSA-PKCS1v15.
//
// email и organization опциональны (пустая строка = не задано).
func (i *Issuer) Issue(ownerName, email, organization string) (*IssuedCertificate, error) {
	if strings.TrimSpace(ownerName) == "" {
		return nil, fmt.Errorf("имя владельца не может быть пустым")
	}

	intermediate, err := i.ca.Intermediate()
	if err != nil {
		return nil, err
	}

	safeName := strings.ReplaceAll(ownerName, " ", "_")

	subjectKeys, err := keys.GenerateAndSaveKeyPair(safeName, i.cfg.Storage.IssuedDir, i.cfg.IssuedPassphrase())
	if err != nil {
		return nil, fmt.Errorf("не удалось сгенерировать ключевую пару субъекта: %w", err)
	}

	serialNumber, err := serial.Generate(i.serials)
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().UTC()
	notAfter := notBefore.AddDate(0, 0, i.cfg.CA.CertValidityDays)

	org := organization
	if org == "" {
		org = i.cfg.CA.Organization
	}

	template, err := i.leafTemplate(ownerName, safeName, email, org, serialNumber.Int, notBefore, notAfter, subjectKeys)
	if err != nil {
		return nil, err
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, intermediate.Cert, subjectKeys.PublicKey, intermediate.Key)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать сертификат: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("не удалось разобрать созданный сертификат: %w", err)
	}

	if err := cert.CheckSignatureFrom(intermediate.Cert); err != nil {
		return nil, fmt.Errorf("проверка подписи выпущенного сертификата не пройдена: %w", err)
	}

	i.log.Info().
		Str("owner", ownerName).
		Str("serial", serialNumber.Hex).
		Time("not_after", notAfter).
		Msg("выпущен конечный сертификат")

	return &IssuedCertificate{
		PEM:          authority.EncodeCertificatePEM(certDER),
		Serial:       serialNumber.Int,
		SerialHex:    serialNumber.Hex,
		Owner:        ownerName,
		Email:        email,
		Organization: org,
		IssuedBy:     intermediate.Cert.Subject.CommonName,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}, nil
}

// leafTemplate creates the end-entity certificate template:
//   - Basic Constraints: CA=FALSE (critical); a leaf can never sign
//     other certificates
//   - Key Usage: digitalSignature, nonRepudiation, keyEncipherment
//     (critical)
//   - Extended Key Usage: clientAuth, emailProtection
//   - Subject Alternative Name: DNS-safe owner name, plus the email as
//     an RFC822 name when present
//   - Subject Key Identifier of the new public key; the Authority Key
//     Identifier is set by the signer from the Intermediate's SKI
func (i *Issuer) leafTemplate(ownerName, safeName, email, org string,
	serialNumber *big.Int, notBefore, notAfter time.Time, subjectKeys *keys.KeyPair) (*x509.Certificate, error) {

	subject := pkix.Name{
		Country:      []string{i.cfg.CA.Country},
		Organization: []string{org},
		CommonName:   ownerName,
	}
	if email != "" {
		subject.ExtraNames = append(subject.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  oidEmailAddress,
			Value: asn1.RawValue{Tag: asn1.TagIA5String, Bytes: []byte(email)},
		})
	}

	skid, err := authority.SubjectKeyID(subjectKeys.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("не удалось вычислить SubjectKeyIdentifier: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notAfter,

		BasicConstraintsValid: true,
		IsCA:                  false,

		KeyUsage: x509.KeyUsageDigitalSignature |
			x509.KeyUsageContentCommitment |
			x509.KeyUsageKeyEncipherment,

		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageClientAuth,
			x509.ExtKeyUsageEmailProtection,
		},

		DNSNames: []string{strings.ToLower(safeName)},

		SubjectKeyId:       skid,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	if email != "" {
		template.EmailAddresses = []string{email}
	}

	return template, nil
}
