// Package revocation реализует движок отзыва сертификатов:
// ведение множества отозванных серийных номеров, генерацию подписанного
// CRL и разрешение статуса серийного номера для OCSP-подобных запросов.
package revocation

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"pkicore/internal/authority"
	"pkicore/internal/config"
	"pkicore/internal/store"
)

// crlFileName - имя файла CRL в директории промежуточного CA.
const crlFileName = "crl.pem"

// crlValidity - окно действия CRL, фиксированные 7 дней от момента
// генерации.
const crlValidity = 7 * 24 * time.Hour

// Engine - движок отзыва. CRL - производный, всегда перестраиваемый
// артефакт: источником истины служит журнал отзыва в хранилище.
type Engine struct {
	cfg *config.Config
	ca  *authority.Authority
	db  *store.Store
	log zerolog.Logger
}

// New создаёт движок отзыва.
func New(cfg *config.Config, ca *authority.Authority, db *store.Store, log zerolog.Logger) *Engine {
	return &Engine{
		cfg: cfg,
		ca:  ca,
		db:  db,
		log: log.With().Str("component", "revocation").Logger(),
	}
}

// Revoke отзывает активный сертификат: атомарно переводит запись в
// статус REVOKED, добавляет запись в журнал отзыва и перегенерирует
// CRL. Двойной отзыв одного серийного номера невозможен - хранилище
// возвращает store.ErrNotActive.
//
// Сбой перегенерации CRL не отменяет отзыв: CRL - производный артефакт
// и будет перестроен при следующем вызове. Сбой логируется.
func (e *Engine) Revoke(serialHex, reason string) (*store.RevokedRecord, error) {
	record, err := e.db.Revoke(serialHex, reason)
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("serial", serialHex).
		Str("owner", record.OwnerName).
		Str("reason", ParseReason(reason).String()).
		Msg("сертификат отозван")

	if _, err := e.GenerateCRL(); err != nil {
		e.log.Warn().Err(err).Msg("не удалось перегенерировать CRL после отзыва")
	}

	return record, nil
}

// GenerateCRL строит подписанный CRL из полного журнала отзыва.
// Всегда полная перестройка - инкрементальных/дельта CRL нет.
//
// Шаги:
//  1. Загрузка ключа и сертификата промежуточного CA (фатально, если
//     отсутствуют).
//  2. lastUpdate = сейчас, nextUpdate = сейчас + 7 дней.
//  3. Каждая запись журнала отзыва → запись CRL с серийным номером,
//     временем отзыва и кодом причины из таблицы (нераспознанные
//     строки → unspecified).
//  4. Подпись ключом промежуточного CA, SHA-256/RSA-PKCS1v15;
//     сериализация в PEM; атомарная запись (временный файл + rename),
//     чтобы конкурентный читатель никогда не увидел частичный файл.
//
// Возвращает PEM CRL.
func (e *Engine) GenerateCRL() ([]byte, error) {
	intermediate, err := e.ca.Intermediate()
	if err != nil {
		return nil, err
	}

	records, err := e.db.ListRevoked()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	entries := make([]x509.RevocationListEntry, 0, len(records))
	for _, record := range records {
		serialInt, ok := new(big.Int).SetString(record.SerialHex, 16)
		if !ok {
			// Повреждённый серийный номер в журнале - пропускаем с
			// предупреждением, не срывая генерацию всего CRL
			e.log.Warn().Str("serial", record.SerialHex).Msg("повреждённый серийный номер в журнале отзыва")
			continue
		}

		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serialInt,
			RevocationTime: record.RevokedAt.UTC(),
			ReasonCode:     ParseReason(record.Reason).Code(),
		})
	}

	template := &x509.RevocationList{
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(crlValidity),
		RevokedCertificateEntries: entries,
		SignatureAlgorithm:        x509.SHA256WithRSA,
	}

	crlDER, err := x509.CreateRevocationList(rand.Reader, template, intermediate.Cert, intermediate.Key)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать CRL: %w", err)
	}

	crlPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "X509 CRL",
		Bytes: crlDER,
	})

	if err := e.writeCRLAtomic(crlPEM); err != nil {
		return nil, err
	}

	e.log.Info().Int("revoked", len(entries)).Msg("CRL сгенерирован")

	return crlPEM, nil
}

// writeCRLAtomic записывает CRL по известному пути через временный файл
// и атомарный rename. Последний писатель побеждает.
func (e *Engine) writeCRLAtomic(crlPEM []byte) error {
	dir := e.cfg.Storage.IntermediateDir
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("не удалось создать директорию CRL: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "crl-*.tmp")
	if err != nil {
		return fmt.Errorf("не удалось создать временный файл CRL: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(crlPEM); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("не удалось записать CRL: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("не удалось закрыть временный файл CRL: %w", err)
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("не удалось установить права на CRL: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, crlFileName)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("не удалось переименовать файл CRL: %w", err)
	}

	return nil
}

// CRLPath возвращает путь к текущему файлу CRL.
func (e *Engine) CRLPath() string {
	return filepath.Join(e.cfg.Storage.IntermediateDir, crlFileName)
}

// CRLInfo - сведения о текущем CRL для отображения.
type CRLInfo struct {
	Issuer       string `json:"issuer"`
	LastUpdate   string `json:"last_update"`
	NextUpdate   string `json:"next_update"`
	RevokedCount int    `json:"revoked_count"`
	Path         string `json:"pem_path"`
}

// ReadCRLInfo читает и парсит текущий CRL с диска.
// Возвращает nil без ошибки, если CRL ещё не генерировался.
func (e *Engine) ReadCRLInfo() (*CRLInfo, error) {
	crlPath := e.CRLPath()

	pemData, err := os.ReadFile(crlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("не удалось прочитать файл CRL: %w", err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("не удалось декодировать PEM CRL")
	}

	crl, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("не удалось разобрать CRL: %w", err)
	}

	const layout = "2006-01-02 15:04 UTC"
	return &CRLInfo{
		Issuer:       crl.Issuer.String(),
		LastUpdate:   crl.ThisUpdate.UTC().Format(layout),
		NextUpdate:   crl.NextUpdate.UTC().Format(layout),
		RevokedCount: len(crl.RevokedCertificateEntries),
		Path:         crlPath,
	}, nil
}
