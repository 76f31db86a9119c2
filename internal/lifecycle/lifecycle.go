// Package lifecycle связывает выпуск, отзыв и продление сертификатов
// в единые операции: выпуск с записью в хранилище и аудитом, продление
// через выпуск нового сертификата с отзывом старого, отзыв с
// перегенерацией CRL.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"pkicore/internal/audit"
	"pkicore/internal/issuer"
	"pkicore/internal/revocation"
	"pkicore/internal/store"
)

// ErrOwnerHasActive возвращается при попытке выпустить сертификат
// для владельца, у которого уже есть активный сертификат.
var ErrOwnerHasActive = errors.New("у владельца уже есть активный сертификат")

// ErrAlreadyRevoked возвращается при попытке продлить отозванный
// сертификат.
var ErrAlreadyRevoked = errors.New("сертификат отозван и не подлежит продлению")

// Service - оркестратор жизненного цикла сертификатов.
type Service struct {
	db     *store.Store
	issuer *issuer.Issuer
	rev    *revocation.Engine
	audit  *audit.Logger
	log    zerolog.Logger
}

// New создаёт сервис жизненного цикла.
func New(db *store.Store, iss *issuer.Issuer, rev *revocation.Engine, auditLog *audit.Logger, log zerolog.Logger) *Service {
	return &Service{
		db:     db,
		issuer: iss,
		rev:    rev,
		audit:  auditLog,
		log:    log.With().Str("component", "lifecycle").Logger(),
	}
}

// Issue выпускает сертификат для владельца и сохраняет запись в
// хранилище. Для одного владельца допускается не более одного
// активного сертификата - повторный выпуск возвращает
// ErrOwnerHasActive (используйте Renew).
func (s *Service) Issue(ownerName, email, organization string) (*store.CertificateRecord, error) {
	ownerName = strings.TrimSpace(ownerName)

	if existing, err := s.db.GetActiveByOwner(ownerName); err == nil {
		s.audit.Failure(ownerName, audit.ActionIssue, existing.SerialHex, "активный сертификат уже существует")
		return nil, fmt.Errorf("%w: серийный номер %s", ErrOwnerHasActive, existing.SerialHex)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return s.issueRecord(ownerName, email, organization, audit.ActionIssue)
}

// issueRecord выпускает сертификат и пишет запись, минуя проверку
// активного владельца. Общий путь для Issue и Renew.
func (s *Service) issueRecord(ownerName, email, organization, action string) (*store.CertificateRecord, error) {
	issued, err := s.issuer.Issue(ownerName, email, organization)
	if err != nil {
		s.audit.Failure(ownerName, action, "", err.Error())
		return nil, err
	}

	record := &store.CertificateRecord{
		SerialHex:    issued.SerialHex,
		OwnerName:    issued.Owner,
		Email:        issued.Email,
		Organization: issued.Organization,
		IssuedBy:     issued.IssuedBy,
		IssuedAt:     issued.NotBefore,
		ValidFrom:    issued.NotBefore,
		ValidTo:      issued.NotAfter,
		CertPEM:      issued.PEM,
		Status:       store.StatusActive,
	}

	if err := s.db.InsertCertificate(record); err != nil {
		s.audit.Failure(ownerName, action, issued.SerialHex, err.Error())
		return nil, fmt.Errorf("не удалось сохранить запись сертификата: %w", err)
	}

	s.audit.Success(ownerName, action, issued.SerialHex, "сертификат выпущен")
	s.log.Info().
		Str("owner", issued.Owner).
		Str("serial", issued.SerialHex).
		Time("valid_to", issued.NotAfter).
		Msg("сертификат выпущен")

	return record, nil
}

// Revoke отзывает сертификат по серийному номеру.
func (s *Service) Revoke(serialHex, reason string) (*store.RevokedRecord, error) {
	revoked, err := s.rev.Revoke(serialHex, reason)
	if err != nil {
		s.audit.Failure("", audit.ActionRevoke, serialHex, err.Error())
		return nil, err
	}

	s.audit.Success(revoked.OwnerName, audit.ActionRevoke, serialHex, "причина: "+reason)
	return revoked, nil
}

// Renew продлевает сертификат: выпускает новый с теми же владельцем,
// почтой и организацией, затем отзывает старый с причиной
// "Superseded". Отозванный сертификат продлению не подлежит;
// просроченный - подлежит.
func (s *Service) Renew(serialHex string) (*store.CertificateRecord, error) {
	old, err := s.db.GetBySerial(serialHex)
	if err != nil {
		s.audit.Failure("", audit.ActionRenew, serialHex, err.Error())
		return nil, err
	}

	if old.Status == store.StatusRevoked {
		s.audit.Failure(old.OwnerName, audit.ActionRenew, serialHex, "сертификат отозван")
		return nil, fmt.Errorf("%w: серийный номер %s", ErrAlreadyRevoked, serialHex)
	}

	// Сначала выпуск нового, потом отзыв старого: при сбое выпуска
	// владелец остаётся со старым рабочим сертификатом. issueRecord
	// минует проверку единственного активного сертификата.
	record, err := s.issueRecord(old.OwnerName, old.Email, old.Organization, audit.ActionRenew)
	if err != nil {
		return nil, err
	}

	if old.Status == store.StatusActive {
		if _, err := s.rev.Revoke(serialHex, revocation.Superseded.Label()); err != nil {
			s.audit.Failure(old.OwnerName, audit.ActionRenew, serialHex, err.Error())
			return nil, fmt.Errorf("не удалось отозвать замещаемый сертификат: %w", err)
		}
	}

	s.log.Info().
		Str("owner", old.OwnerName).
		Str("old_serial", serialHex).
		Str("new_serial", record.SerialHex).
		Msg("сертификат продлён")

	return record, nil
}
