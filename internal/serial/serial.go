// Package serial предоставляет генерацию серийных номеров X.509
// сертификатов с проверкой уникальности по хранилищу сертификатов.
package serial

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// Bits - энтропия серийного номера. 160 бит делают коллизию
// пренебрежимо маловероятной, но проверка по хранилищу всё равно
// выполняется перед принятием номера.
const Bits = 160

const maxAttempts = 10

// ErrExhausted возвращается, если уникальный номер не удалось получить
// за maxAttempts попыток. На практике означает сбой хранилища.
var ErrExhausted = fmt.Errorf("не удалось сгенерировать уникальный серийный номер за %d попыток", maxAttempts)

// UniquenessChecker проверяет, занят ли серийный номер в хранилище.
// Реализуется хранилищем сертификатов; nil-проверка допустима для
// автономной генерации (инициализация CA, тесты).
type UniquenessChecker interface {
	SerialExists(serialHex string) (bool, error)
}

// Number представляет серийный номер X.509 сертификата.
type Number struct {
	Int *big.Int
	Hex string
}

// NewRandom генерирует криптографически случайный 160-битный серийный
// номер без проверки уникальности. Старший бит сбрасывается для
// гарантии положительного числа согласно X.509.
func NewRandom() (*Number, error) {
	bytes := make([]byte, Bits/8)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("ошибка генерации серийного номера: %w", err)
	}

	bytes[0] &= 0x7F

	intVal := new(big.Int).SetBytes(bytes)
	return &Number{
		Int: intVal,
		Hex: hex.EncodeToString(intVal.Bytes()),
	}, nil
}

// Generate создаёт серийный номер, гарантированно отсутствующий в
// хранилище. При обнаружении коллизии (крайне маловероятно) генерация
// повторяется с новой случайностью.
func Generate(checker UniquenessChecker) (*Number, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		num, err := NewRandom()
		if err != nil {
			return nil, err
		}

		if checker == nil {
			return num, nil
		}

		exists, err := checker.SerialExists(num.Hex)
		if err != nil {
			return nil, fmt.Errorf("ошибка проверки уникальности серийного номера: %w", err)
		}
		if !exists {
			return num, nil
		}
	}

	return nil, ErrExhausted
}

// String возвращает hex-представление номера.
func (n *Number) String() string {
	return n.Hex
}
