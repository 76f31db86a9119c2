// Package config_test содержит тесты загрузки конфигурации
package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"pkicore/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.CA.RootCN != "PKICore Root CA" {
		t.Errorf("Неверный CN корневого CA: %s", cfg.CA.RootCN)
	}
	if cfg.CA.RootValidityDays != 3650 {
		t.Errorf("Неверный срок корневого CA: %d", cfg.CA.RootValidityDays)
	}
	if cfg.CA.IntValidityDays != 1825 {
		t.Errorf("Неверный срок промежуточного CA: %d", cfg.CA.IntValidityDays)
	}
	if cfg.CA.CertValidityDays != 365 {
		t.Errorf("Неверный срок конечных сертификатов: %d", cfg.CA.CertValidityDays)
	}
	if len(cfg.Passphrase()) == 0 {
		t.Error("Парольная фраза по умолчанию не должна быть пустой")
	}
	if cfg.IssuedPassphrase() != nil {
		t.Error("Ключи конечных сертификатов по умолчанию не шифруются")
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Ошибка загрузки без файла: %v", err)
	}
	if cfg.CA.Organization != "PKICore" {
		t.Errorf("Ожидалась конфигурация по умолчанию, получено: %s", cfg.CA.Organization)
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Log("Тестирование загрузки YAML конфигурации")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
ca:
  organization: "Test Org"
  root_cn: "Test Root CA"
  cert_validity_days: 30
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Ошибка записи файла: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Ошибка загрузки: %v", err)
	}

	if cfg.CA.Organization != "Test Org" {
		t.Errorf("Организация не загружена: %s", cfg.CA.Organization)
	}
	if cfg.CA.RootCN != "Test Root CA" {
		t.Errorf("CN не загружен: %s", cfg.CA.RootCN)
	}
	if cfg.CA.CertValidityDays != 30 {
		t.Errorf("Срок не загружен: %d", cfg.CA.CertValidityDays)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Порт не загружен: %d", cfg.Server.Port)
	}

	// Незаданные поля остаются по умолчанию
	if cfg.CA.IntermediateCN != "PKICore Intermediate CA" {
		t.Errorf("Значение по умолчанию потеряно: %s", cfg.CA.IntermediateCN)
	}
}

func TestLoad_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	content := `{"ca": {"organization": "JSON Org"}, "database": {"path": "/tmp/x.db"}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Ошибка записи файла: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Ошибка загрузки: %v", err)
	}
	if cfg.CA.Organization != "JSON Org" {
		t.Errorf("Организация не загружена: %s", cfg.CA.Organization)
	}
	if cfg.Database.Path != "/tmp/x.db" {
		t.Errorf("Путь БД не загружен: %s", cfg.Database.Path)
	}
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0644); err != nil {
		t.Fatalf("Ошибка записи файла: %v", err)
	}

	if _, err := config.Load(path); err == nil {
		t.Error("Ожидалась ошибка для неподдерживаемого формата")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Ожидалась ошибка для отсутствующего файла")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Log("Тестирование переопределения через переменные окружения")

	t.Setenv("PKICORE_CA_KEY_PASSPHRASE", "env-secret")
	t.Setenv("PKICORE_DATABASE_PATH", "/tmp/env.db")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Ошибка загрузки: %v", err)
	}

	if string(cfg.Passphrase()) != "env-secret" {
		t.Errorf("Парольная фраза не переопределена: %s", cfg.CA.KeyPassphrase)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Путь БД не переопределён: %s", cfg.Database.Path)
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")

	cfg := config.DefaultConfig()
	cfg.CA.Organization = "Saved Org"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Ошибка сохранения: %v", err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Ошибка загрузки: %v", err)
	}
	if loaded.CA.Organization != "Saved Org" {
		t.Errorf("Организация не сохранилась: %s", loaded.CA.Organization)
	}
}
