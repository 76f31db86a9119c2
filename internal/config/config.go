// Package config предоставляет функциональность для загрузки конфигурации
// PKI-движка из файлов YAML/JSON и переменных окружения.
//
// Конфигурация статична: читается один раз при старте процесса и далее
// не изменяется. Все компоненты получают её по значению/ссылке.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config представляет полную конфигурацию pkicore.
type Config struct {
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	CA       CAConfig       `json:"ca" yaml:"ca"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// StorageConfig содержит пути к хранилищу ключей и сертификатов.
// Три логические директории: материал корневого CA, материал
// промежуточного CA и закрытые ключи выпущенных сертификатов.
type StorageConfig struct {
	RootCADir       string `json:"root_ca_dir" yaml:"root_ca_dir"`
	IntermediateDir string `json:"intermediate_dir" yaml:"intermediate_dir"`
	IssuedDir       string `json:"issued_dir" yaml:"issued_dir"`
}

// DatabaseConfig содержит настройки базы данных SQLite.
type DatabaseConfig struct {
	Path    string `json:"path" yaml:"path"`
	WALMode bool   `json:"wal_mode" yaml:"wal_mode"`
}

// CAConfig содержит параметры центра сертификации: различающееся имя,
// парольную фразу для шифрования ключей и сроки действия в днях.
type CAConfig struct {
	Country        string `json:"country" yaml:"country"`
	State          string `json:"state" yaml:"state"`
	Locality       string `json:"locality" yaml:"locality"`
	Organization   string `json:"organization" yaml:"organization"`
	Unit           string `json:"unit" yaml:"unit"`
	RootCN         string `json:"root_cn" yaml:"root_cn"`
	IntermediateCN string `json:"intermediate_cn" yaml:"intermediate_cn"`

	// KeyPassphrase используется для шифрования закрытых ключей CA на диске.
	KeyPassphrase string `json:"key_passphrase" yaml:"key_passphrase"`

	// IssuedKeyPassphrase - опциональная парольная фраза для ключей
	// конечных сертификатов. Пустая строка = без шифрования.
	IssuedKeyPassphrase string `json:"issued_key_passphrase" yaml:"issued_key_passphrase"`

	RootValidityDays int `json:"root_validity_days" yaml:"root_validity_days"`
	IntValidityDays  int `json:"int_validity_days" yaml:"int_validity_days"`
	CertValidityDays int `json:"cert_validity_days" yaml:"cert_validity_days"`
}

// ServerConfig содержит настройки HTTP сервера репозитория.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// LoggingConfig содержит настройки логирования.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file" yaml:"file"`
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			RootCADir:       "./storage/root_ca",
			IntermediateDir: "./storage/intermediate_ca",
			IssuedDir:       "./storage/issued",
		},
		Database: DatabaseConfig{
			Path:    "./storage/pkicore.db",
			WALMode: true,
		},
		CA: CAConfig{
			Country:          "IN",
			State:            "Telangana",
			Locality:         "Hyderabad",
			Organization:     "PKICore",
			Unit:             "Security Lab",
			RootCN:           "PKICore Root CA",
			IntermediateCN:   "PKICore Intermediate CA",
			KeyPassphrase:    "ca-secret-pass",
			RootValidityDays: 3650,
			IntValidityDays:  1825,
			CertValidityDays: 365,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Load загружает конфигурацию из файла.
// Поддерживаются форматы: .yaml, .yml, .json
// Пустой путь возвращает конфигурацию по умолчанию с применёнными
// переменными окружения.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать файл конфигурации: %w", err)
	}

	cfg := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("не удалось разобрать YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("не удалось разобрать JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("неподдерживаемый формат файла: %s (поддерживаются .yaml, .yml, .json)", ext)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save сохраняет конфигурацию в YAML-файл.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("не удалось сериализовать конфигурацию: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("не удалось записать файл конфигурации: %w", err)
	}

	return nil
}

// Passphrase возвращает парольную фразу CA в виде байтов.
func (c *Config) Passphrase() []byte {
	return []byte(c.CA.KeyPassphrase)
}

// IssuedPassphrase возвращает парольную фразу для ключей конечных
// сертификатов или nil, если шифрование не требуется.
func (c *Config) IssuedPassphrase() []byte {
	if c.CA.IssuedKeyPassphrase == "" {
		return nil
	}
	return []byte(c.CA.IssuedKeyPassphrase)
}

// applyEnvOverrides применяет переопределения из переменных окружения.
// Переменные имеют формат PKICORE_<SECTION>_<KEY>.
func (c *Config) applyEnvOverrides() {
	if val := os.Getenv("PKICORE_DATABASE_PATH"); val != "" {
		c.Database.Path = val
	}

	if val := os.Getenv("PKICORE_STORAGE_ROOT_CA_DIR"); val != "" {
		c.Storage.RootCADir = val
	}
	if val := os.Getenv("PKICORE_STORAGE_INTERMEDIATE_DIR"); val != "" {
		c.Storage.IntermediateDir = val
	}
	if val := os.Getenv("PKICORE_STORAGE_ISSUED_DIR"); val != "" {
		c.Storage.IssuedDir = val
	}

	if val := os.Getenv("PKICORE_CA_KEY_PASSPHRASE"); val != "" {
		c.CA.KeyPassphrase = val
	}

	if val := os.Getenv("PKICORE_SERVER_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv("PKICORE_SERVER_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Server.Port)
	}

	if val := os.Getenv("PKICORE_LOGGING_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("PKICORE_LOGGING_FILE"); val != "" {
		c.Logging.File = val
	}
}
