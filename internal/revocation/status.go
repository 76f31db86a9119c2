package revocation

import (
	"errors"
	"fmt"
	"time"

	"pkicore/internal/store"
)

// Состояния сертификата, возвращаемые ResolveStatus.
const (
	StatusUnknown = "UNKNOWN"
	StatusGood    = "GOOD"
	StatusExpired = "EXPIRED"
	StatusRevoked = "REVOKED"
)

// Status - результат разрешения статуса серийного номера.
// Поля Owner/ValidTo пусты для неизвестных серийных номеров,
// RevokedAt/Reason заполнены только для отозванных.
type Status struct {
	SerialHex string `json:"serial"`
	State     string `json:"status"`
	Owner     string `json:"owner,omitempty"`
	ValidTo   string `json:"valid_to,omitempty"`
	RevokedAt string `json:"revoked_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ResolveStatus разрешает состояние серийного номера.
//
// Приоритет: неизвестный → UNKNOWN; отозванный → REVOKED (проверяется
// ДО истечения срока - отозванный и одновременно просроченный
// сертификат всегда REVOKED); просроченный → EXPIRED; иначе GOOD.
func (e *Engine) ResolveStatus(serialHex string) (*Status, error) {
	record, err := e.db.GetBySerial(serialHex)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Status{SerialHex: serialHex, State: StatusUnknown}, nil
		}
		return nil, err
	}

	status := &Status{
		SerialHex: serialHex,
		Owner:     record.OwnerName,
		ValidTo:   record.ValidTo.UTC().Format(timeLayout),
	}

	if record.Status == store.StatusRevoked {
		status.State = StatusRevoked

		revoked, err := e.db.GetRevokedBySerial(serialHex)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			// Запись помечена REVOKED, но журнал отзыва пуст.
			// Нарушение атомарности отзыва - такого быть не должно.
			e.log.Warn().Str("serial", serialHex).Msg("отозванный сертификат без записи в журнале отзыва")
			status.Reason = "unknown"
			return status, nil
		}

		status.RevokedAt = revoked.RevokedAt.UTC().Format(timeLayout)
		status.Reason = revoked.Reason
		return status, nil
	}

	if record.IsExpired(time.Now().UTC()) {
		status.State = StatusExpired
		return status, nil
	}

	status.State = StatusGood
	return status, nil
}

const timeLayout = "2006-01-02 15:04:05 UTC"

// OCSPResponse - OCSP-подобный ответ о статусе в формате JSON.
// Это не RFC 6960: структурированный JSON-ответ с теми же смысловыми
// полями, удобный для инспекции без ASN.1-инструментов.
type OCSPResponse struct {
	Response OCSPBody `json:"ocsp_response"`
}

// OCSPBody - тело OCSP-подобного ответа.
type OCSPBody struct {
	Version      string      `json:"version"`
	Responder    string      `json:"responder"`
	ProducedAt   string      `json:"produced_at"`
	CertStatus   *Status     `json:"cert_status"`
	ThisUpdate   string      `json:"this_update"`
	NextUpdate   string      `json:"next_update"`
	SignatureAlg string      `json:"signature_alg"`
	IssuerChain  issuerChain `json:"issuer_chain"`
}

type issuerChain struct {
	Intermediate string `json:"intermediate"`
	Root         string `json:"root"`
}

// BuildOCSPResponse строит OCSP-подобный JSON-ответ для серийного
// номера. Ответчиком выступает промежуточный CA; ответ действителен
// один час с момента генерации.
func (e *Engine) BuildOCSPResponse(serialHex string) (*OCSPResponse, error) {
	status, err := e.ResolveStatus(serialHex)
	if err != nil {
		return nil, err
	}

	intermediate, err := e.ca.Intermediate()
	if err != nil {
		return nil, fmt.Errorf("не удалось загрузить промежуточный CA: %w", err)
	}
	root, err := e.ca.Root()
	if err != nil {
		return nil, fmt.Errorf("не удалось загрузить корневой CA: %w", err)
	}

	now := time.Now().UTC()
	return &OCSPResponse{
		Response: OCSPBody{
			Version:      "1.0",
			Responder:    intermediate.Cert.Subject.String(),
			ProducedAt:   now.Format(timeLayout),
			CertStatus:   status,
			ThisUpdate:   now.Format(timeLayout),
			NextUpdate:   now.Add(time.Hour).Format(timeLayout),
			SignatureAlg: "SHA256withRSA",
			IssuerChain: issuerChain{
				Intermediate: intermediate.Cert.Subject.String(),
				Root:         root.Cert.Subject.String(),
			},
		},
	}, nil
}
