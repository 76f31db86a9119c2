// Package repository_test содержит тесты HTTP сервера репозитория
package repository_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"pkicore/internal/authority"
	"pkicore/internal/config"
	"pkicore/internal/issuer"
	"pkicore/internal/repository"
	"pkicore/internal/revocation"
	"pkicore/internal/store"
)

type testEnv struct {
	server *httptest.Server
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

	engine := revocation.New(cfg, ca, db, zerolog.Nop())
	srv := repository.NewServer(cfg, db, ca, engine, zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server: ts,
		db:     db,
		issuer: issuer.New(cfg, ca, db, zerolog.Nop()),
		engine: engine,
	}
}

func (env *testEnv) issueAndRecord(t *testing.T, owner string) *store.CertificateRecord {
	t.Helper()

	issued, err := env.issuer.Issue(owner, owner+"@example.com", "")
	if err != nil {
		t.Fatalf("Ошибка выпуска: %v", err)
	}
	record := &store.CertificateRecord{
		SerialHex: issued.SerialHex,
		OwnerName: issued.Owner,
		Email:     issued.Email,
		IssuedBy:  issued.IssuedBy,
		IssuedAt:  issued.NotBefore,
		ValidFrom: issued.NotBefore,
		ValidTo:   issued.NotAfter,
		CertPEM:   issued.PEM,
		Status:    store.StatusActive,
	}
	if err := env.db.InsertCertificate(record); err != nil {
		t.Fatalf("Ошибка сохранения записи: %v", err)
	}
	return record
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Ошибка запроса: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("Ошибка чтения ответа: %v", err)
	}
	return resp, string(body)
}

func TestHealth(t *testing.T) {
	env := setup(t)

	resp, body := get(t, env.server.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Неверный статус: %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("Неожиданное тело ответа: %s", body)
	}
}

func TestGetCertificate(t *testing.T) {
	t.Log("Тестирование раздачи сертификата по серийному номеру")

	env := setup(t)
	record := env.issueAndRecord(t, "Alice")

	resp, body := get(t, env.server.URL+"/certificate/"+record.SerialHex)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Неверный статус: %d", resp.StatusCode)
	}
	if body != record.CertPEM {
		t.Error("Тело ответа не совпадает с PEM сертификата")
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-pem-file" {
		t.Errorf("Неверный Content-Type: %s", ct)
	}
}

func TestGetCertificate_NotFound(t *testing.T) {
	env := setup(t)

	resp, _ := get(t, env.server.URL+"/certificate/deadbeef")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Ожидался статус 404, получено %d", resp.StatusCode)
	}
}

func TestGetCertificate_BadSerial(t *testing.T) {
	env := setup(t)

	resp, _ := get(t, env.server.URL+"/certificate/not-hex!")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Ожидался статус 400, получено %d", resp.StatusCode)
	}
}

func TestGetCA(t *testing.T) {
	env := setup(t)

	for _, level := range []string{"root", "intermediate"} {
		resp, body := get(t, env.server.URL+"/ca/"+level)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Уровень %s: неверный статус %d", level, resp.StatusCode)
			continue
		}
		if !strings.Contains(body, "BEGIN CERTIFICATE") {
			t.Errorf("Уровень %s: тело не содержит сертификат", level)
		}
	}

	resp, _ := get(t, env.server.URL+"/ca/bogus")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Ожидался статус 400 для неизвестного уровня, получено %d", resp.StatusCode)
	}
}

func TestGetCRL(t *testing.T) {
	t.Log("Тестирование раздачи CRL с генерацией по требованию")

	env := setup(t)

	resp, body := get(t, env.server.URL+"/crl")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Неверный статус: %d", resp.StatusCode)
	}
	if !strings.Contains(body, "BEGIN X509 CRL") {
		t.Errorf("Тело не содержит CRL: %s", body)
	}
}

func TestGetStatus(t *testing.T) {
	env := setup(t)
	record := env.issueAndRecord(t, "Alice")

	resp, body := get(t, env.server.URL+"/status/"+record.SerialHex)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Неверный статус: %d", resp.StatusCode)
	}

	var status revocation.Status
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatalf("Ошибка разбора JSON: %v", err)
	}
	if status.State != revocation.StatusGood {
		t.Errorf("Ожидался статус GOOD, получено %s", status.State)
	}
}

func TestGetOCSP(t *testing.T) {
	t.Log("Тестирование OCSP-подобной конечной точки")

	env := setup(t)
	record := env.issueAndRecord(t, "Alice")

	if _, err := env.engine.Revoke(record.SerialHex, "Key Compromise"); err != nil {
		t.Fatalf("Ошибка отзыва: %v", err)
	}

	resp, body := get(t, env.server.URL+"/ocsp/"+record.SerialHex)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Неверный статус: %d", resp.StatusCode)
	}

	var ocsp revocation.OCSPResponse
	if err := json.Unmarshal([]byte(body), &ocsp); err != nil {
		t.Fatalf("Ошибка разбора JSON: %v", err)
	}
	if ocsp.Response.Version != "1.0" {
		t.Errorf("Неверная версия: %s", ocsp.Response.Version)
	}
	if ocsp.Response.CertStatus.State != revocation.StatusRevoked {
		t.Errorf("Ожидался статус REVOKED, получено %s", ocsp.Response.CertStatus.State)
	}
	if ocsp.Response.CertStatus.Reason != "Key Compromise" {
		t.Errorf("Неверная причина: %s", ocsp.Response.CertStatus.Reason)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := setup(t)

	resp, err := http.Post(env.server.URL+"/crl", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Ошибка запроса: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Ожидался статус 405, получено %d", resp.StatusCode)
	}
}
