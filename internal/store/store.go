// Package store предоставляет хранилище записей о сертификатах на базе
// SQLite: таблицу выпущенных сертификатов, журнал отзыва (только
// добавление) и журнал аудита.
//
// Хранилище - единственный владелец записей EndEntityCertificate.
// Записи никогда не удаляются: отозванные и истёкшие сертификаты
// остаются доступными для истории и аудита.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Статусы жизненного цикла сертификата.
const (
	StatusActive  = "ACTIVE"
	StatusRevoked = "REVOKED"
)

var (
	// ErrNotFound - запрошенная запись отсутствует в хранилище.
	ErrNotFound = errors.New("запись не найдена")

	// ErrNotActive - операция требует активный сертификат, но запись
	// уже отозвана. Гарантирует отсутствие двойного отзыва.
	ErrNotActive = errors.New("сертификат не является активным")

	// ErrSerialCollision - серийный номер уже занят другой записью.
	ErrSerialCollision = errors.New("серийный номер уже существует")
)

// CertificateRecord представляет запись выпущенного сертификата.
type CertificateRecord struct {
	ID           int64
	SerialHex    string
	OwnerName    string
	Email        string
	Organization string
	IssuedBy     string
	IssuedAt     time.Time
	ValidFrom    time.Time
	ValidTo      time.Time
	CertPEM      string
	Status       string // ACTIVE / REVOKED
}

// IsExpired сообщает, истёк ли срок действия сертификата к моменту now.
func (r *CertificateRecord) IsExpired(now time.Time) bool {
	return now.After(r.ValidTo)
}

// RevokedRecord - факт отзыва: добавляется ровно один раз на событие
// отзыва, никогда не изменяется и не удаляется. Объединение этих
// записей - авторитетный вход для генерации CRL.
type RevokedRecord struct {
	ID        int64
	SerialHex string
	OwnerName string
	RevokedAt time.Time
	Reason    string
}

// AuditEntry - запись журнала аудита.
type AuditEntry struct {
	ID                string
	Actor             string
	Action            string
	Detail            string
	CertificateSerial string
	Status            string // SUCCESS / FAILED
	CreatedAt         time.Time
}

// Store представляет подключение к базе данных SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open создаёт подключение к базе данных SQLite и инициализирует схему.
// Директория для файла БД создаётся при необходимости.
func Open(dbPath string, walMode bool) (*Store, error) {
	dbDir := filepath.Dir(dbPath)
	if dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0700); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию для БД: %w", err)
		}
	}

	dsn := dbPath + "?_foreign_keys=on"
	if walMode {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть базу данных: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("не удалось подключиться к БД: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema создаёт схему базы данных. Идемпотентна.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS certificates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		serial_hex TEXT UNIQUE NOT NULL,
		owner_name TEXT NOT NULL,
		email TEXT,
		organization TEXT,
		issued_by TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_to TEXT NOT NULL,
		cert_pem TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE'
	);
	CREATE INDEX IF NOT EXISTS idx_certificates_owner ON certificates(owner_name);
	CREATE INDEX IF NOT EXISTS idx_certificates_status ON certificates(status);

	CREATE TABLE IF NOT EXISTS revoked_certificates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		serial_hex TEXT NOT NULL,
		owner_name TEXT NOT NULL,
		revoked_at TEXT NOT NULL,
		reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_revoked_serial ON revoked_certificates(serial_hex);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		actor TEXT,
		action TEXT NOT NULL,
		detail TEXT,
		certificate_serial TEXT,
		status TEXT NOT NULL DEFAULT 'SUCCESS',
		created_at TEXT NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("не удалось инициализировать схему БД: %w", err)
	}

	return nil
}

// InsertCertificate вставляет новую запись сертификата.
// Возвращает ErrSerialCollision, если серийный номер уже занят.
func (s *Store) InsertCertificate(record *CertificateRecord) error {
	status := record.Status
	if status == "" {
		status = StatusActive
	}

	issuedAt := record.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}

	insertSQL := `
	INSERT INTO certificates (
		serial_hex, owner_name, email, organization, issued_by,
		issued_at, valid_from, valid_to, cert_pem, status
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(insertSQL,
		record.SerialHex,
		record.OwnerName,
		record.Email,
		record.Organization,
		record.IssuedBy,
		issuedAt.UTC().Format(time.RFC3339),
		record.ValidFrom.UTC().Format(time.RFC3339),
		record.ValidTo.UTC().Format(time.RFC3339),
		record.CertPEM,
		status,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrSerialCollision, record.SerialHex)
		}
		return fmt.Errorf("не удалось вставить сертификат: %w", err)
	}

	return nil
}

const certColumns = `id, serial_hex, owner_name, email, organization, issued_by,
	issued_at, valid_from, valid_to, cert_pem, status`

// scanCertificate читает одну запись сертификата из строки результата.
func scanCertificate(row interface{ Scan(...any) error }) (*CertificateRecord, error) {
	record := &CertificateRecord{}
	var email, organization sql.NullString
	var issuedAtStr, validFromStr, validToStr string

	err := row.Scan(
		&record.ID,
		&record.SerialHex,
		&record.OwnerName,
		&email,
		&organization,
		&record.IssuedBy,
		&issuedAtStr,
		&validFromStr,
		&validToStr,
		&record.CertPEM,
		&record.Status,
	)
	if err != nil {
		return nil, err
	}

	record.Email = email.String
	record.Organization = organization.String

	record.IssuedAt, err = time.Parse(time.RFC3339, issuedAtStr)
	if err != nil {
		return nil, fmt.Errorf("не удалось распарсить issued_at: %w", err)
	}
	record.ValidFrom, err = time.Parse(time.RFC3339, validFromStr)
	if err != nil {
		return nil, fmt.Errorf("не удалось распарсить valid_from: %w", err)
	}
	record.ValidTo, err = time.Parse(time.RFC3339, validToStr)
	if err != nil {
		return nil, fmt.Errorf("не удалось распарсить valid_to: %w", err)
	}

	return record, nil
}

// collectCertificates вычитывает все записи из результата запроса.
func collectCertificates(rows *sql.Rows) ([]*CertificateRecord, error) {
	var records []*CertificateRecord
	for rows.Next() {
		record, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка при сканировании строки: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// GetBySerial извлекает запись сертификата по серийному номеру (hex).
// Возвращает ErrNotFound, если записи нет.
func (s *Store) GetBySerial(serialHex string) (*CertificateRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+certColumns+` FROM certificates WHERE serial_hex = ?`,
		serialHex,
	)

	record, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: серийный номер %s", ErrNotFound, serialHex)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении сертификата: %w", err)
	}

	return record, nil
}

// GetByOwner возвращает записи владельца, самые свежие первыми.
func (s *Store) GetByOwner(ownerName string) ([]*CertificateRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+certColumns+` FROM certificates WHERE owner_name = ? ORDER BY issued_at DESC, id DESC`,
		ownerName,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка при запросе сертификатов владельца: %w", err)
	}
	defer rows.Close()

	return collectCertificates(rows)
}

// GetActiveByOwner возвращает активную запись владельца или ErrNotFound.
func (s *Store) GetActiveByOwner(ownerName string) (*CertificateRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+certColumns+` FROM certificates
		 WHERE owner_name = ? AND status = ? ORDER BY issued_at DESC, id DESC LIMIT 1`,
		ownerName, StatusActive,
	)

	record, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: активный сертификат владельца %s", ErrNotFound, ownerName)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении сертификата: %w", err)
	}

	return record, nil
}

// ListByStatus возвращает записи с указанным статусом (или все записи
// при пустом статусе), самые свежие первыми.
func (s *Store) ListByStatus(status string) ([]*CertificateRecord, error) {
	querySQL := `SELECT ` + certColumns + ` FROM certificates`
	args := []any{}

	if status != "" {
		querySQL += ` WHERE status = ?`
		args = append(args, status)
	}
	querySQL += ` ORDER BY issued_at DESC, id DESC`

	rows, err := s.db.Query(querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка при запросе списка сертификатов: %w", err)
	}
	defer rows.Close()

	return collectCertificates(rows)
}

// ListActive возвращает все активные записи.
func (s *Store) ListActive() ([]*CertificateRecord, error) {
	return s.ListByStatus(StatusActive)
}

// ListExpiringSoon возвращает активные сертификаты, срок действия
// которых заканчивается в ближайшие days дней.
func (s *Store) ListExpiringSoon(days int) ([]*CertificateRecord, error) {
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, days)

	rows, err := s.db.Query(
		`SELECT `+certColumns+` FROM certificates
		 WHERE status = ? AND valid_to <= ? AND valid_to >= ?
		 ORDER BY valid_to ASC`,
		StatusActive,
		cutoff.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка при запросе истекающих сертификатов: %w", err)
	}
	defer rows.Close()

	return collectCertificates(rows)
}

// CountByStatus возвращает количество записей с указанным статусом.
func (s *Store) CountByStatus(status string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM certificates WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка при подсчёте сертификатов: %w", err)
	}
	return count, nil
}

// SerialExists проверяет занятость серийного номера.
// Реализует serial.UniquenessChecker.
func (s *Store) SerialExists(serialHex string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM certificates WHERE serial_hex = ?`, serialHex).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки серийного номера: %w", err)
	}
	return count > 0, nil
}

// Revoke атомарно переводит сертификат в статус REVOKED и добавляет
// запись в журнал отзыва. Обе операции выполняются в одной транзакции:
// либо обе, либо ни одна.
//
// Условный UPDATE (... WHERE status = 'ACTIVE') с проверкой числа
// затронутых строк исключает двойной отзыв при конкурентных вызовах:
// второй вызов для того же серийного номера получает ErrNotActive и
// не создаёт вторую запись отзыва.
//
// Возвращает созданную запись отзыва.
func (s *Store) Revoke(serialHex, reason string) (*RevokedRecord, error) {
	cert, err := s.GetBySerial(serialHex)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("не удалось начать транзакцию: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE certificates SET status = ? WHERE serial_hex = ? AND status = ?`,
		StatusRevoked, serialHex, StatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("не удалось обновить статус сертификата: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("не удалось получить число затронутых строк: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, serialHex)
	}

	revokedAt := time.Now().UTC()
	result, err := tx.Exec(
		`INSERT INTO revoked_certificates (serial_hex, owner_name, revoked_at, reason)
		 VALUES (?, ?, ?, ?)`,
		serialHex, cert.OwnerName, revokedAt.Format(time.RFC3339), reason,
	)
	if err != nil {
		return nil, fmt.Errorf("не удалось добавить запись отзыва: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("не удалось зафиксировать транзакцию: %w", err)
	}

	id, _ := result.LastInsertId()
	return &RevokedRecord{
		ID:        id,
		SerialHex: serialHex,
		OwnerName: cert.OwnerName,
		RevokedAt: revokedAt,
		Reason:    reason,
	}, nil
}

// GetRevokedBySerial возвращает запись отзыва для серийного номера
// или ErrNotFound.
func (s *Store) GetRevokedBySerial(serialHex string) (*RevokedRecord, error) {
	record := &RevokedRecord{}
	var revokedAtStr string
	var reason sql.NullString

	err := s.db.QueryRow(
		`SELECT id, serial_hex, owner_name, revoked_at, reason
		 FROM revoked_certificates WHERE serial_hex = ? ORDER BY id ASC LIMIT 1`,
		serialHex,
	).Scan(&record.ID, &record.SerialHex, &record.OwnerName, &revokedAtStr, &reason)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: запись отзыва для %s", ErrNotFound, serialHex)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении записи отзыва: %w", err)
	}

	record.Reason = reason.String
	record.RevokedAt, err = time.Parse(time.RFC3339, revokedAtStr)
	if err != nil {
		return nil, fmt.Errorf("не удалось распарсить revoked_at: %w", err)
	}

	return record, nil
}

// ListRevoked возвращает все записи журнала отзыва (вход генерации CRL).
func (s *Store) ListRevoked() ([]*RevokedRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, serial_hex, owner_name, revoked_at, reason
		 FROM revoked_certificates ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка при запросе журнала отзыва: %w", err)
	}
	defer rows.Close()

	var records []*RevokedRecord
	for rows.Next() {
		record := &RevokedRecord{}
		var revokedAtStr string
		var reason sql.NullString

		if err := rows.Scan(&record.ID, &record.SerialHex, &record.OwnerName, &revokedAtStr, &reason); err != nil {
			return nil, fmt.Errorf("ошибка при сканировании строки: %w", err)
		}

		record.Reason = reason.String
		record.RevokedAt, err = time.Parse(time.RFC3339, revokedAtStr)
		if err != nil {
			return nil, fmt.Errorf("не удалось распарсить revoked_at: %w", err)
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

// InsertAudit добавляет запись в журнал аудита.
func (s *Store) InsertAudit(entry *AuditEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	status := entry.Status
	if status == "" {
		status = "SUCCESS"
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_logs (id, actor, action, detail, certificate_serial, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Actor, entry.Action, entry.Detail,
		entry.CertificateSerial, status, createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("не удалось записать журнал аудита: %w", err)
	}

	return nil
}

// ListAudit возвращает записи аудита, самые свежие первыми.
func (s *Store) ListAudit(limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, actor, action, detail, certificate_serial, status, created_at
		 FROM audit_logs ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка при запросе журнала аудита: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var actor, detail, certSerial sql.NullString
		var createdAtStr string

		if err := rows.Scan(&entry.ID, &actor, &entry.Action, &detail, &certSerial, &entry.Status, &createdAtStr); err != nil {
			return nil, fmt.Errorf("ошибка при сканировании строки: %w", err)
		}

		entry.Actor = actor.String
		entry.Detail = detail.String
		entry.CertificateSerial = certSerial.String
		entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Ping проверяет доступность базы данных.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close закрывает подключение к базе данных.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path возвращает путь к файлу базы данных.
func (s *Store) Path() string {
	return s.path
}
