// Package keys предоставляет операции с ключевым материалом PKI-движка.
//
// Пакет включает:
//   - Генерацию ключевых пар RSA-2048
//   - Шифрование закрытых ключей на диске с использованием AES-256-GCM
//   - Сохранение и загрузку ключей в PEM-формате
//   - Безопасное затирание чувствительных данных в памяти
//
// Загрузка ключа возвращает типизированные ошибки (ErrKeyNotFound,
// ErrDecryptionFailed, ErrMalformedKey) вместо общих сбоев - вызывающий
// код различает их через errors.Is.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

// Типизированные ошибки загрузки ключей.
var (
	// ErrKeyNotFound - файл ключа отсутствует на диске.
	ErrKeyNotFound = errors.New("файл ключа не найден")

	// ErrDecryptionFailed - неверная или отсутствующая парольная фраза.
	ErrDecryptionFailed = errors.New("не удалось расшифровать закрытый ключ")

	// ErrMalformedKey - повреждённый или нераспознанный PEM на диске.
	ErrMalformedKey = errors.New("повреждённый PEM ключа")
)

// Параметры схемы шифрования ключей на диске.
// PBKDF2 с 600,000 итераций - рекомендация OWASP.
const (
	pbkdf2Iterations = 600000
	saltSize         = 16
	nonceSize        = 12
	derivedKeySize   = 32

	// KeySize - размер ключей RSA, генерируемых движком.
	KeySize = 2048
)

// KeyPair содержит закрытый и открытый ключи RSA.
type KeyPair struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// GenerateKeyPair генерирует ключевую пару RSA-2048 с публичной
// экспонентой 65537 (значение по умолчанию в crypto/rsa).
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации RSA ключа: %w", err)
	}

	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// encryptedKey - ASN.1 структура зашифрованного ключа на диске.
type encryptedKey struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// encryptKeyBytes шифрует байты ключа с использованием AES-256-GCM.
// Ключ шифрования выводится из парольной фразы через PBKDF2.
func encryptKeyBytes(keyBytes, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("ошибка генерации соли: %w", err)
	}

	derivedKey := pbkdf2.Key(passphrase, salt, pbkdf2Iterations, derivedKeySize, sha256.New)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("ошибка генерации nonce: %w", err)
	}

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания AES шифра: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания GCM: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, keyBytes, nil)

	return asn1.Marshal(encryptedKey{
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	})
}

// decryptKeyBytes расшифровывает байты ключа, зашифрованные encryptKeyBytes.
func decryptKeyBytes(encryptedData, passphrase []byte) ([]byte, error) {
	var enc encryptedKey
	if _, err := asn1.Unmarshal(encryptedData, &enc); err != nil {
		return nil, fmt.Errorf("%w: ошибка разбора зашифрованных данных", ErrMalformedKey)
	}

	derivedKey := pbkdf2.Key(passphrase, enc.Salt, pbkdf2Iterations, derivedKeySize, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания AES шифра: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, enc.Nonce, enc.Ciphertext, nil)
	if err != nil {
		// GCM не различает неверный пароль и повреждённые данные
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

// SavePrivateKey сохраняет закрытый ключ в PEM-файл с правами 0600.
// Если передана парольная фраза, ключ шифруется AES-256-GCM и
// записывается блоком "ENCRYPTED PRIVATE KEY"; иначе сохраняется
// незашифрованный PKCS#1 блок "RSA PRIVATE KEY".
func SavePrivateKey(privateKey *rsa.PrivateKey, path string, passphrase []byte) error {
	var block *pem.Block

	if len(passphrase) > 0 {
		keyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
		if err != nil {
			return fmt.Errorf("ошибка маршалинга ключа: %w", err)
		}

		encryptedData, err := encryptKeyBytes(keyBytes, passphrase)
		if err != nil {
			return fmt.Errorf("ошибка шифрования ключа: %w", err)
		}

		block = &pem.Block{
			Type:  "ENCRYPTED PRIVATE KEY",
			Bytes: encryptedData,
		}
	} else {
		block = &pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
		}
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("не удалось создать файл ключа: %w", err)
	}
	defer file.Close()

	if err := pem.Encode(file, block); err != nil {
		return fmt.Errorf("не удалось записать PEM: %w", err)
	}

	return nil
}

// SavePublicKey сохраняет открытый ключ в PEM-файл в форме
// SubjectPublicKeyInfo (блок "PUBLIC KEY").
func SavePublicKey(publicKey *rsa.PublicKey, path string) error {
	keyBytes, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("ошибка маршалинга открытого ключа: %w", err)
	}

	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: keyBytes,
	})

	if err := os.WriteFile(path, pemData, 0644); err != nil {
		return fmt.Errorf("не удалось записать файл открытого ключа: %w", err)
	}

	return nil
}

// LoadPrivateKey загружает закрытый ключ из PEM-файла.
// Для блока "ENCRYPTED PRIVATE KEY" требуется парольная фраза.
//
// Возвращает:
//   - ErrKeyNotFound, если файл отсутствует
//   - ErrDecryptionFailed, если парольная фраза неверна или не передана
//   - ErrMalformedKey, если PEM повреждён или имеет неожиданный тип
func LoadPrivateKey(path string, passphrase []byte) (*rsa.PrivateKey, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
		}
		return nil, fmt.Errorf("ошибка чтения файла ключа: %w", err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: не удалось декодировать PEM", ErrMalformedKey)
	}

	switch block.Type {
	case "ENCRYPTED PRIVATE KEY":
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("%w: ключ зашифрован, парольная фраза не передана", ErrDecryptionFailed)
		}

		keyBytes, err := decryptKeyBytes(block.Bytes, passphrase)
		if err != nil {
			return nil, err
		}

		key, err := x509.ParsePKCS8PrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: ошибка парсинга PKCS#8", ErrMalformedKey)
		}

		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: ключ не RSA (%T)", ErrMalformedKey, key)
		}
		return rsaKey, nil

	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: ошибка парсинга PKCS#1", ErrMalformedKey)
		}
		return key, nil

	default:
		return nil, fmt.Errorf("%w: неожиданный тип PEM блока %q", ErrMalformedKey, block.Type)
	}
}

// LoadPublicKey загружает открытый ключ из PEM-файла (SubjectPublicKeyInfo).
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
		}
		return nil, fmt.Errorf("ошибка чтения файла открытого ключа: %w", err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: не удалось декодировать PEM открытого ключа", ErrMalformedKey)
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка парсинга открытого ключа", ErrMalformedKey)
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: открытый ключ не RSA (%T)", ErrMalformedKey, key)
	}

	return rsaKey, nil
}

// GenerateAndSaveKeyPair генерирует ключевую пару и сохраняет её в
// директорию: <name>.key (закрытый, опционально зашифрованный) и
// <name>.pub (открытый). Директория создаётся при необходимости.
//
// Это единственная точка входа, используемая инициализацией CA и
// выпуском сертификатов.
//
// Возвращает ключевую пару в памяти.
func GenerateAndSaveKeyPair(name, directory string, passphrase []byte) (*KeyPair, error) {
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию ключей: %w", err)
	}

	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	privatePath := filepath.Join(directory, name+".key")
	publicPath := filepath.Join(directory, name+".pub")

	if err := SavePrivateKey(keyPair.PrivateKey, privatePath, passphrase); err != nil {
		return nil, fmt.Errorf("не удалось сохранить закрытый ключ: %w", err)
	}

	if err := SavePublicKey(keyPair.PublicKey, publicPath); err != nil {
		return nil, fmt.Errorf("не удалось сохранить открытый ключ: %w", err)
	}

	return keyPair, nil
}

// SecureZero безопасно затирает байтовый слайс, перезаписывая его нулями.
// Используется для очистки парольных фраз в памяти.
func SecureZero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
