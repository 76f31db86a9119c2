// Package revocation_test содержит тесты отзыва сертификатов, CRL и
// разрешения статуса
package revocation_test

import (
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pkicore/internal/authority"
	"pkicore/internal/config"
	"pkicore/internal/issuer"
	"pkicore/internal/revocation"
	"pkicore/internal/store"
)

type testEnv struct {
	cfg    *config.Config
	ca     *authority.Authority
	db     *store.Store
	issuer *issuer.Issuer
	engine *revocation.Engine
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.RootCADir = filepath.Join(dir, "root_ca")
	cfg.Storage.IntermediateDir = filepath.Join(dir, "intermediate_ca")
	cfg.Storage.IssuedDir = filepath.Join(dir, "issued")
	cfg.Database.Path = filepath.Join(dir, "pki.db")

	ca := authority.New(cfg, zerolog.Nop())
	if err := ca.Bootstrap(); err != nil {
		t.Fatalf("Ошибка инициализации CA: %v", err)
	}

	db, err := store.Open(cfg.Database.Path, false)
	if err != nil {
		t.Fatalf("Ошибка открытия хранилища: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &testEnv{
		cfg:    cfg,
		ca:     ca,
		db:     db,
		issuer: issuer.New(cfg, ca, db, zerolog.Nop()),
		engine: revocation.New(cfg, ca, db, zerolog.Nop()),
	}
}

// issueAndRecord выпускает сертификат и сохраняет запись в хранилище.
func (env *testEnv) issueAndRecord(t *testing.T, owner, email string) *store.CertificateRecord {
	t.Helper()

	issued, err := env.issuer.Issue(owner, email, "")
	if err != nil {
		t.Fatalf("Ошибка выпуска для %s: %v", owner, err)
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
	if err := env.db.InsertCertificate(record); err != nil {
		t.Fatalf("Ошибка сохранения записи: %v", err)
	}
	return record
}

func TestReasonMapping(t *testing.T) {
	t.Log("Тестирование таблицы причин отзыва")

	cases := []struct {
		text string
		code int
		name string
	}{
		{"Key Compromise", 1, "keyCompromise"},
		{"CA Compromise", 2, "cACompromise"},
		{"Affiliation Changed", 3, "affiliationChanged"},
		{"Superseded", 4, "superseded"},
		{"Cessation of Operation", 5, "cessationOfOperation"},
		{"Privilege Withdrawn", 9, "privilegeWithdrawn"},
		{"No reason provided", 0, "unspecified"},
		{"что-то неизвестное", 0, "unspecified"},
		{"", 0, "unspecified"},
	}

	for _, tc := range cases {
		reason := revocation.ParseReason(tc.text)
		if got := reason.Code(); got != tc.code {
			t.Errorf("Причина %q: получен код %d, ожидался %d", tc.text, got, tc.code)
		}
		if got := reason.String(); got != tc.name {
			t.Errorf("Причина %q: получено имя %q, ожидалось %q", tc.text, got, tc.name)
		}
	}
}

func TestRevoke(t *testing.T) {
	t.Log("Тестирование отзыва через движок")

	env := setup(t)
	record := env.issueAndRecord(t, "Alice", "alice@example.com")

	revoked, err := env.engine.Revoke(record.SerialHex, "Key Compromise")
	if err != nil {
		t.Fatalf("Ошибка отзыва: %v", err)
	}
	if revoked.Reason != "Key Compromise" {
		t.Errorf("Неверная причина: %s", revoked.Reason)
	}

	// CRL перегенерирован автоматически
	if _, err := os.Stat(env.engine.CRLPath()); err != nil {
		t.Errorf("CRL не создан после отзыва: %v", err)
	}
}

func TestRevoke_Twice(t *testing.T) {
	env := setup(t)
	record := env.issueAndRecord(t, "Alice", "alice@example.com")

	if _, err := env.engine.Revoke(record.SerialHex, "Key Compromise"); err != nil {
		t.Fatalf("Ошибка первого отзыва: %v", err)
	}

	_, err := env.engine.Revoke(record.SerialHex, "Superseded")
	if !errors.Is(err, store.ErrNotActive) {
		t.Errorf("Ожидалась ошибка ErrNotActive, получено: %v", err)
	}
}

func parseCRL(t *testing.T, crlPEM []byte) *x509.RevocationList {
	t.Helper()

	block, _ := pem.Decode(crlPEM)
	if block == nil || block.Type != "X509 CRL" {
		t.Fatal("PEM не содержит CRL")
	}
	crl, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		t.Fatalf("Ошибка парсинга CRL: %v", err)
	}
	return crl
}

func TestGenerateCRL(t *testing.T) {
	t.Log("Тестирование генерации CRL")

	env := setup(t)

	records := []*store.CertificateRecord{
		env.issueAndRecord(t, "Alice", "alice@example.com"),
		env.issueAndRecord(t, "Bob", "bob@example.com"),
		env.issueAndRecord(t, "Carol", "carol@example.com"),
	}

	reasons := []string{"Key Compromise", "Superseded", "Cessation of Operation"}
	for i, record := range records {
		if _, err := env.db.Revoke(record.SerialHex, reasons[i]); err != nil {
			t.Fatalf("Ошибка отзыва: %v", err)
		}
	}

	crlPEM, err := env.engine.GenerateCRL()
	if err != nil {
		t.Fatalf("Ошибка генерации CRL: %v", err)
	}
	crl := parseCRL(t, crlPEM)

	if len(crl.RevokedCertificateEntries) != 3 {
		t.Fatalf("Ожидалось 3 записи в CRL, получено %d", len(crl.RevokedCertificateEntries))
	}

	// Каждый отозванный серийный номер присутствует с верным кодом
	// причины. Сравнение через big.Int: hex-представление в хранилище
	// может содержать ведущий ноль
	normalize := func(serialHex string) string {
		n, ok := new(big.Int).SetString(serialHex, 16)
		if !ok {
			t.Fatalf("Неразбираемый hex: %s", serialHex)
		}
		return n.Text(16)
	}
	wantCodes := map[string]int{
		normalize(records[0].SerialHex): 1,
		normalize(records[1].SerialHex): 4,
		normalize(records[2].SerialHex): 5,
	}
	for _, entry := range crl.RevokedCertificateEntries {
		serialHex := entry.SerialNumber.Text(16)
		want, ok := wantCodes[serialHex]
		if !ok {
			t.Errorf("Неожиданный серийный номер в CRL: %s", serialHex)
			continue
		}
		if entry.ReasonCode != want {
			t.Errorf("Серийный номер %s: код причины %d, ожидался %d", serialHex, entry.ReasonCode, want)
		}
	}

	// Окно действия CRL - 7 дней
	window := crl.NextUpdate.Sub(crl.ThisUpdate)
	if window != 7*24*time.Hour {
		t.Errorf("Неверное окно действия CRL: %v", window)
	}

	// CRL подписан промежуточным CA
	intermediate, err := env.ca.Intermediate()
	if err != nil {
		t.Fatalf("Ошибка загрузки промежуточного CA: %v", err)
	}
	if err := crl.CheckSignatureFrom(intermediate.Cert); err != nil {
		t.Errorf("Подпись CRL не прошла проверку: %v", err)
	}
	if crl.Number == nil || crl.Number.Cmp(big.NewInt(0)) <= 0 {
		t.Error("Номер CRL должен быть положительным")
	}
}

func TestGenerateCRL_Empty(t *testing.T) {
	t.Log("Тестирование генерации пустого CRL")

	env := setup(t)

	crlPEM, err := env.engine.GenerateCRL()
	if err != nil {
		t.Fatalf("Ошибка генерации: %v", err)
	}
	crl := parseCRL(t, crlPEM)

	if len(crl.RevokedCertificateEntries) != 0 {
		t.Errorf("Пустой CRL содержит %d записей", len(crl.RevokedCertificateEntries))
	}
}

func TestReadCRLInfo(t *testing.T) {
	env := setup(t)

	// До генерации - nil без ошибки
	info, err := env.engine.ReadCRLInfo()
	if err != nil {
		t.Fatalf("Ошибка чтения сведений: %v", err)
	}
	if info != nil {
		t.Error("До генерации сведения должны отсутствовать")
	}

	record := env.issueAndRecord(t, "Alice", "alice@example.com")
	if _, err := env.engine.Revoke(record.SerialHex, "Key Compromise"); err != nil {
		t.Fatalf("Ошибка отзыва: %v", err)
	}

	info, err = env.engine.ReadCRLInfo()
	if err != nil {
		t.Fatalf("Ошибка чтения сведений: %v", err)
	}
	if info == nil {
		t.Fatal("Сведения должны присутствовать после генерации")
	}
	if info.RevokedCount != 1 {
		t.Errorf("Неверное число отозванных: %d", info.RevokedCount)
	}
}

func TestResolveStatus_Unknown(t *testing.T) {
	env := setup(t)

	status, err := env.engine.ResolveStatus("deadbeef")
	if err != nil {
		t.Fatalf("Ошибка разрешения статуса: %v", err)
	}
	if status.State != revocation.StatusUnknown {
		t.Errorf("Ожидался статус UNKNOWN, получено %s", status.State)
	}
}

func TestResolveStatus_Good(t *testing.T) {
	env := setup(t)
	record := env.issueAndRecord(t, "Alice", "alice@example.com")

	status, err := env.engine.ResolveStatus(record.SerialHex)
	if err != nil {
		t.Fatalf("Ошибка разрешения статуса: %v", err)
	}
	if status.State != revocation.StatusGood {
		t.Errorf("Ожидался статус GOOD, получено %s", status.State)
	}
	if status.Owner != "Alice" {
		t.Errorf("Неверный владелец: %s", status.Owner)
	}
}

func TestResolveStatus_Revoked(t *testing.T) {
	t.Log("Тестирование статуса отозванного сертификата")

	env := setup(t)
	record := env.issueAndRecord(t, "Alice", "alice@example.com")

	if _, err := env.engine.Revoke(record.SerialHex, "Key Compromise"); err != nil {
		t.Fatalf("Ошибка отзыва: %v", err)
	}

	status, err := env.engine.ResolveStatus(record.SerialHex)
	if err != nil {
		t.Fatalf("Ошибка разрешения статуса: %v", err)
	}
	if status.State != revocation.StatusRevoked {
		t.Errorf("Ожидался статус REVOKED, получено %s", status.State)
	}
	if status.Reason != "Key Compromise" {
		t.Errorf("Неверная причина: %s", status.Reason)
	}
	if status.RevokedAt == "" {
		t.Error("Время отзыва не заполнено")
	}
}

func TestResolveStatus_RevokedWithoutJournalRecord(t *testing.T) {
	t.Log("Тестирование статуса REVOKED без записи в журнале отзыва")

	env := setup(t)
	record := env.issueAndRecord(t, "Alice", "alice@example.com")

	// Нарушаем атомарность отзыва напрямую в базе: статус REVOKED
	// выставлен, но запись в журнал отзыва не добавлена
	raw, err := sql.Open("sqlite3", env.cfg.Database.Path)
	if err != nil {
		t.Fatalf("Ошибка открытия базы: %v", err)
	}
	if _, err := raw.Exec(
		`UPDATE certificates SET status = 'REVOKED' WHERE serial_hex = ?`,
		record.SerialHex,
	); err != nil {
		raw.Close()
		t.Fatalf("Ошибка обновления статуса: %v", err)
	}
	raw.Close()

	status, err := env.engine.ResolveStatus(record.SerialHex)
	if err != nil {
		t.Fatalf("Ошибка разрешения статуса: %v", err)
	}
	if status.State != revocation.StatusRevoked {
		t.Errorf("Ожидался статус REVOKED, получено %s", status.State)
	}
	if status.Reason != "unknown" {
		t.Errorf("Ожидалась причина unknown, получено %q", status.Reason)
	}
	if status.RevokedAt != "" {
		t.Errorf("Время отзыва должно быть пустым, получено %q", status.RevokedAt)
	}
}

func TestResolveStatus_Expired(t *testing.T) {
	t.Log("Тестирование статуса просроченного сертификата")

	env := setup(t)

	// Запись с истёкшим сроком вносится напрямую в хранилище
	now := time.Now().UTC()
	record := &store.CertificateRecord{
		SerialHex: "aa11",
		OwnerName: "Old Owner",
		IssuedBy:  "PKICore Intermediate CA",
		IssuedAt:  now.AddDate(-2, 0, 0),
		ValidFrom: now.AddDate(-2, 0, 0),
		ValidTo:   now.AddDate(-1, 0, 0),
		CertPEM:   "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n",
		Status:    store.StatusActive,
	}
	if err := env.db.InsertCertificate(record); err != nil {
		t.Fatalf("Ошибка вставки: %v", err)
	}

	status, err := env.engine.ResolveStatus("aa11")
	if err != nil {
		t.Fatalf("Ошибка разрешения статуса: %v", err)
	}
	if status.State != revocation.StatusExpired {
		t.Errorf("Ожидался статус EXPIRED, получено %s", status.State)
	}
}

func TestResolveStatus_RevokedBeforeExpired(t *testing.T) {
	t.Log("Тестирование приоритета отзыва над истечением срока")

	env := setup(t)

	now := time.Now().UTC()
	record := &store.CertificateRecord{
		SerialHex: "bb22",
		OwnerName: "Old Owner",
		IssuedBy:  "PKICore Intermediate CA",
		IssuedAt:  now.AddDate(-2, 0, 0),
		ValidFrom: now.AddDate(-2, 0, 0),
		ValidTo:   now.AddDate(-1, 0, 0),
		CertPEM:   "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n",
		Status:    store.StatusActive,
	}
	if err := env.db.InsertCertificate(record); err != nil {
		t.Fatalf("Ошибка вставки: %v", err)
	}
	if _, err := env.db.Revoke("bb22", "CA Compromise"); err != nil {
		t.Fatalf("Ошибка отзыва: %v", err)
	}

	// Просроченный И отозванный → REVOKED
	status, err := env.engine.ResolveStatus("bb22")
	if err != nil {
		t.Fatalf("Ошибка разрешения статуса: %v", err)
	}
	if status.State != revocation.StatusRevoked {
		t.Errorf("Отзыв имеет приоритет над истечением: получено %s", status.State)
	}
}

func TestBuildOCSPResponse(t *testing.T) {
	t.Log("Тестирование OCSP-подобного ответа")

	env := setup(t)
	record := env.issueAndRecord(t, "Alice", "alice@example.com")

	resp, err := env.engine.BuildOCSPResponse(record.SerialHex)
	if err != nil {
		t.Fatalf("Ошибка построения ответа: %v", err)
	}

	body := resp.Response
	if body.Version != "1.0" {
		t.Errorf("Неверная версия: %s", body.Version)
	}
	if body.SignatureAlg != "SHA256withRSA" {
		t.Errorf("Неверный алгоритм подписи: %s", body.SignatureAlg)
	}
	if body.CertStatus == nil || body.CertStatus.State != revocation.StatusGood {
		t.Errorf("Неверный статус в ответе: %+v", body.CertStatus)
	}
	if !strings.Contains(body.Responder, "CN="+env.cfg.CA.IntermediateCN) {
		t.Errorf("Ответчик не содержит DN промежуточного CA: %s", body.Responder)
	}
	// issuer_chain содержит полные DN, а не только CN
	if !strings.Contains(body.IssuerChain.Root, "CN="+env.cfg.CA.RootCN) ||
		!strings.Contains(body.IssuerChain.Root, "O="+env.cfg.CA.Organization) {
		t.Errorf("Неверный DN корневого CA в цепочке: %s", body.IssuerChain.Root)
	}
	if !strings.Contains(body.IssuerChain.Intermediate, "CN="+env.cfg.CA.IntermediateCN) {
		t.Errorf("Неверный DN промежуточного CA в цепочке: %s", body.IssuerChain.Intermediate)
	}
	if body.IssuerChain.Intermediate != body.Responder {
		t.Errorf("DN ответчика и промежуточного CA в цепочке расходятся: %s / %s", body.Responder, body.IssuerChain.Intermediate)
	}
}

func TestBuildOCSPResponse_Unknown(t *testing.T) {
	env := setup(t)

	resp, err := env.engine.BuildOCSPResponse("deadbeef")
	if err != nil {
		t.Fatalf("Ошибка построения ответа: %v", err)
	}
	if resp.Response.CertStatus.State != revocation.StatusUnknown {
		t.Errorf("Ожидался статус UNKNOWN, получено %s", resp.Response.CertStatus.State)
	}
}
