// Package audit ведёт журнал операций PKI в хранилище.
// Запись аудита - best-effort: сбой записи журнала никогда не должен
// срывать саму операцию, он только логируется.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pkicore/internal/store"
)

// Действия, фиксируемые в журнале аудита.
const (
	ActionBootstrap = "BOOTSTRAP"
	ActionIssue     = "ISSUE"
	ActionRevoke    = "REVOKE"
	ActionRenew     = "RENEW"
	ActionCRL       = "CRL_GENERATE"
)

// Исходы операций.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Logger пишет записи аудита в хранилище.
type Logger struct {
	db  *store.Store
	log zerolog.Logger
}

// New создаёт журнал аудита поверх хранилища.
func New(db *store.Store, log zerolog.Logger) *Logger {
	return &Logger{
		db:  db,
		log: log.With().Str("component", "audit").Logger(),
	}
}

// Success фиксирует успешную операцию.
func (l *Logger) Success(actor, action, serialHex, detail string) {
	l.record(actor, action, serialHex, detail, StatusSuccess)
}

// Failure фиксирует неуспешную операцию.
func (l *Logger) Failure(actor, action, serialHex, detail string) {
	l.record(actor, action, serialHex, detail, StatusFailed)
}

// record пишет запись аудита. Сбой записи не возвращается вызывающему -
// аудит не должен блокировать операции PKI.
func (l *Logger) record(actor, action, serialHex, detail, status string) {
	entry := &store.AuditEntry{
		ID:                uuid.NewString(),
		Actor:             actor,
		Action:            action,
		Detail:            detail,
		CertificateSerial: serialHex,
		Status:            status,
		CreatedAt:         time.Now().UTC(),
	}

	if err := l.db.InsertAudit(entry); err != nil {
		l.log.Warn().Err(err).Str("action", action).Msg("не удалось записать событие аудита")
		return
	}

	l.log.Debug().
		Str("action", action).
		Str("serial", serialHex).
		Str("status", status).
		Msg("событие аудита записано")
}

// List возвращает последние записи журнала аудита.
func (l *Logger) List(limit int) ([]*store.AuditEntry, error) {
	return l.db.ListAudit(limit)
}
