// Package authority реализует двухуровневый центр сертификации:
// самоподписанный корневой CA и промежуточный CA, подписанный корневым.
//
// Authority - явный контекст CA: конструируется один раз при старте
// процесса и передаётся по ссылке всем компонентам, которым нужно
// подписывать (выпуск сертификатов, генерация CRL). Ключевой материал
// загружается с диска один раз и переиспользуется.
//
// Инициализация каждого уровня идемпотентна: состояние ABSENT→PRESENT
// переходит ровно один раз на развёртывание. Повторный вызов
// обнаруживает существующую пару ключ+сертификат и выполняет чистую
// загрузку. Обратного перехода нет - CA никогда не демонтируется
// автоматически.
package authority

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pkicore/internal/config"
	"pkicore/internal/keys"
	"pkicore/internal/serial"
)

// Имена файлов материала CA на диске.
const (
	rootCertFile         = "root_ca.crt"
	rootKeyName          = "root_ca"
	intermediateCertFile = "intermediate.crt"
	intermediateKeyName  = "intermediate"

	// bootstrapLockFile - lock-файл, создаваемый с O_EXCL на время
	// генерации. Исключает гонку двух процессов, одновременно
	// решивших, что CA отсутствует.
	bootstrapLockFile = ".bootstrap.lock"
)

var (
	// ErrNotBootstrapped - уровень CA ожидался присутствующим, но
	// отсутствует. Фатально для вызывающей операции, не для процесса.
	ErrNotBootstrapped = errors.New("центр сертификации не инициализирован")

	// ErrMalformedCertificate - повреждённый PEM сертификата на диске.
	ErrMalformedCertificate = errors.New("повреждённый PEM сертификата")
)

// Credential - пара ключ+сертификат одного уровня CA.
type Credential struct {
	Key  *rsa.PrivateKey
	Cert *x509.Certificate
}

// Authority - контекст двухуровневого центра сертификации.
// Безопасен для конкурентного использования.
type Authority struct {
	cfg *config.Config
	log zerolog.Logger

	mu           sync.Mutex
	root         *Credential
	intermediate *Credential
}

// New создаёт контекст CA. Ключевой материал не загружается до первого
// обращения (Bootstrap* или Root/Intermediate).
func New(cfg *config.Config, log zerolog.Logger) *Authority {
	return &Authority{
		cfg: cfg,
		log: log.With().Str("component", "authority").Logger(),
	}
}

// rootDN строит различающееся имя корневого CA из конфигурации.
func (a *Authority) rootDN() pkix.Name {
	return a.buildDN(a.cfg.CA.RootCN)
}

// intermediateDN строит различающееся имя промежуточного CA.
func (a *Authority) intermediateDN() pkix.Name {
	return a.buildDN(a.cfg.CA.IntermediateCN)
}

func (a *Authority) buildDN(commonName string) pkix.Name {
	ca := a.cfg.CA
	return pkix.Name{
		Country:            []string{ca.Country},
		Province:           []string{ca.State},
		Locality:           []string{ca.Locality},
		Organization:       []string{ca.Organization},
		OrganizationalUnit: []string{ca.Unit},
		CommonName:         commonName,
	}
}

// BootstrapRoot инициализирует корневой CA: генерирует ключевую пару и
// самоподписанный сертификат, если их ещё нет на диске, иначе загружает
// существующие. Идемпотентна: повторный вызов после успешной генерации
// возвращает байт-в-байт тот же сертификат.
func (a *Authority) BootstrapRoot() (*Credential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.root != nil {
		return a.root, nil
	}

	dir := a.cfg.Storage.RootCADir
	certPath := filepath.Join(dir, rootCertFile)
	keyPath := filepath.Join(dir, rootKeyName+".key")

	if materialPresent(certPath, keyPath) {
		a.log.Debug().Msg("корневой CA уже существует, загружаем")
		cred, err := a.loadCredential(keyPath, certPath)
		if err != nil {
			return nil, err
		}
		a.root = cred
		return cred, nil
	}

	unlock, err := acquireBootstrapLock(dir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Повторная проверка под блокировкой: другой процесс мог успеть
	// сгенерировать материал между probe и захватом lock-файла.
	if materialPresent(certPath, keyPath) {
		cred, err := a.loadCredential(keyPath, certPath)
		if err != nil {
			return nil, err
		}
		a.root = cred
		return cred, nil
	}

	a.log.Info().Msg("генерация корневого CA")

	keyPair, err := keys.GenerateAndSaveKeyPair(rootKeyName, dir, a.cfg.Passphrase())
	if err != nil {
		return nil, fmt.Errorf("не удалось сгенерировать ключевую пару корневого CA: %w", err)
	}

	serialNumber, err := serial.NewRandom()
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().UTC()
	notAfter := notBefore.AddDate(0, 0, a.cfg.CA.RootValidityDays)

	template, err := NewRootCATemplate(a.rootDN(), serialNumber.Int, notBefore, notAfter, keyPair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать шаблон корневого CA: %w", err)
	}

	// Самоподписанный: шаблон выступает и как издатель
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, keyPair.PublicKey, keyPair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать сертификат корневого CA: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("не удалось разобрать созданный сертификат: %w", err)
	}

	if err := cert.CheckSignatureFrom(cert); err != nil {
		return nil, fmt.Errorf("проверка подписи корневого CA не пройдена: %w", err)
	}

	if err := SaveCertificate(certDER, certPath); err != nil {
		return nil, fmt.Errorf("не удалось сохранить сертификат корневого CA: %w", err)
	}

	a.log.Info().
		Str("subject", cert.Subject.CommonName).
		Str("serial", serialNumber.Hex).
		Time("not_after", cert.NotAfter).
		Msg("корневой CA создан")

	a.root = &Credential{Key: keyPair.PrivateKey, Cert: cert}
	return a.root, nil
}

// BootstrapIntermediate инициализирует промежуточный CA, подписанный
// корневым. Требует уже инициализированный корневой CA: если его
// материал отсутствует, возвращает ErrNotBootstrapped - запуск обязан
// прерваться, а не породить осиротевший промежуточный CA.
func (a *Authority) BootstrapIntermediate() (*Credential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.intermediate != nil {
		return a.intermediate, nil
	}

	dir := a.cfg.Storage.IntermediateDir
	certPath := filepath.Join(dir, intermediateCertFile)
	keyPath := filepath.Join(dir, intermediateKeyName+".key")

	if materialPresent(certPath, keyPath) {
		a.log.Debug().Msg("промежуточный CA уже существует, загружаем")
		cred, err := a.loadCredential(keyPath, certPath)
		if err != nil {
			return nil, err
		}
		a.intermediate = cred
		return cred, nil
	}

	// Загрузка корневого CA строго до генерации (load-or-fail)
	root, err := a.loadRootLocked()
	if err != nil {
		return nil, err
	}

	unlock, err := acquireBootstrapLock(dir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if materialPresent(certPath, keyPath) {
		cred, err := a.loadCredential(keyPath, certPath)
		if err != nil {
			return nil, err
		}
		a.intermediate = cred
		return cred, nil
	}

	a.log.Info().Msg("генерация промежуточного CA")

	keyPair, err := keys.GenerateAndSaveKeyPair(intermediateKeyName, dir, a.cfg.Passphrase())
	if err != nil {
		return nil, fmt.Errorf("не удалось сгенерировать ключевую пару промежуточного CA: %w", err)
	}

	serialNumber, err := serial.NewRandom()
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().UTC()
	notAfter := notBefore.AddDate(0, 0, a.cfg.CA.IntValidityDays)

	template, err := NewIntermediateCATemplate(a.intermediateDN(), serialNumber.Int, notBefore, notAfter, keyPair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать шаблон промежуточного CA: %w", err)
	}

	// Корневой CA подписывает промежуточный
	certDER, err := x509.CreateCertificate(rand.Reader, template, root.Cert, keyPair.PublicKey, root.Key)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать сертификат промежуточного CA: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("не удалось разобрать созданный сертификат: %w", err)
	}

	if err := cert.CheckSignatureFrom(root.Cert); err != nil {
		return nil, fmt.Errorf("проверка подписи промежуточного CA не пройдена: %w", err)
	}

	if err := SaveCertificate(certDER, certPath); err != nil {
		return nil, fmt.Errorf("не удалось сохранить сертификат промежуточного CA: %w", err)
	}

	a.log.Info().
		Str("subject", cert.Subject.CommonName).
		Str("issuer", cert.Issuer.CommonName).
		Str("serial", serialNumber.Hex).
		Msg("промежуточный CA создан")

	a.intermediate = &Credential{Key: keyPair.PrivateKey, Cert: cert}
	return a.intermediate, nil
}

// Bootstrap инициализирует оба уровня CA по порядку.
func (a *Authority) Bootstrap() error {
	if _, err := a.BootstrapRoot(); err != nil {
		return err
	}
	if _, err := a.BootstrapIntermediate(); err != nil {
		return err
	}
	return nil
}

// Root возвращает материал корневого CA, загружая его с диска при
// первом обращении. Возвращает ErrNotBootstrapped, если материал
// отсутствует.
func (a *Authority) Root() (*Credential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadRootLocked()
}

func (a *Authority) loadRootLocked() (*Credential, error) {
	if a.root != nil {
		return a.root, nil
	}

	dir := a.cfg.Storage.RootCADir
	certPath := filepath.Join(dir, rootCertFile)
	keyPath := filepath.Join(dir, rootKeyName+".key")

	if !materialPresent(certPath, keyPath) {
		return nil, fmt.Errorf("%w: корневой CA (%s)", ErrNotBootstrapped, dir)
	}

	cred, err := a.loadCredential(keyPath, certPath)
	if err != nil {
		return nil, err
	}
	a.root = cred
	return cred, nil
}

// Intermediate возвращает материал промежуточного CA, загружая его с
// диска при первом обращении. Возвращает ErrNotBootstrapped, если
// материал отсутствует.
func (a *Authority) Intermediate() (*Credential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.intermediate != nil {
		return a.intermediate, nil
	}

	dir := a.cfg.Storage.IntermediateDir
	certPath := filepath.Join(dir, intermediateCertFile)
	keyPath := filepath.Join(dir, intermediateKeyName+".key")

	if !materialPresent(certPath, keyPath) {
		return nil, fmt.Errorf("%w: промежуточный CA (%s)", ErrNotBootstrapped, dir)
	}

	cred, err := a.loadCredential(keyPath, certPath)
	if err != nil {
		return nil, err
	}
	a.intermediate = cred
	return cred, nil
}

// RootCertPath возвращает путь к сертификату корневого CA.
func (a *Authority) RootCertPath() string {
	return filepath.Join(a.cfg.Storage.RootCADir, rootCertFile)
}

// IntermediateCertPath возвращает путь к сертификату промежуточного CA.
func (a *Authority) IntermediateCertPath() string {
	return filepath.Join(a.cfg.Storage.IntermediateDir, intermediateCertFile)
}

// Info возвращает сведения об уровне CA для отображения.
type Info struct {
	Subject   string `json:"subject"`
	Issuer    string `json:"issuer"`
	SerialHex string `json:"serial"`
	ValidFrom string `json:"valid_from"`
	ValidTo   string `json:"valid_to"`
	IsCA      bool   `json:"is_ca"`
}

// RootInfo возвращает сведения о корневом CA.
func (a *Authority) RootInfo() (*Info, error) {
	cred, err := a.Root()
	if err != nil {
		return nil, err
	}
	return credentialInfo(cred), nil
}

// IntermediateInfo возвращает сведения о промежуточном CA.
func (a *Authority) IntermediateInfo() (*Info, error) {
	cred, err := a.Intermediate()
	if err != nil {
		return nil, err
	}
	return credentialInfo(cred), nil
}

func credentialInfo(cred *Credential) *Info {
	const layout = "2006-01-02 15:04:05 UTC"
	return &Info{
		Subject:   cred.Cert.Subject.CommonName,
		Issuer:    cred.Cert.Issuer.CommonName,
		SerialHex: fmt.Sprintf("%x", cred.Cert.SerialNumber),
		ValidFrom: cred.Cert.NotBefore.UTC().Format(layout),
		ValidTo:   cred.Cert.NotAfter.UTC().Format(layout),
		IsCA:      cred.Cert.IsCA,
	}
}

// loadCredential загружает пару ключ+сертификат с диска.
func (a *Authority) loadCredential(keyPath, certPath string) (*Credential, error) {
	key, err := keys.LoadPrivateKey(keyPath, a.cfg.Passphrase())
	if err != nil {
		return nil, fmt.Errorf("не удалось загрузить закрытый ключ CA: %w", err)
	}

	cert, err := LoadCertificate(certPath)
	if err != nil {
		return nil, fmt.Errorf("не удалось загрузить сертификат CA: %w", err)
	}

	return &Credential{Key: key, Cert: cert}, nil
}

// materialPresent сообщает, присутствует ли на диске полная пара
// сертификат+ключ. Частичное присутствие считается отсутствием:
// генерация перезапишет неполный материал.
func materialPresent(certPath, keyPath string) bool {
	if _, err := os.Stat(certPath); err != nil {
		return false
	}
	if _, err := os.Stat(keyPath); err != nil {
		return false
	}
	return true
}

// bootstrapLockTTL - возраст lock-файла, после которого он считается
// оставшимся от аварийно завершившегося процесса. Инициализация CA
// занимает секунды, поэтому запас велик.
const bootstrapLockTTL = 5 * time.Minute

// acquireBootstrapLock атомарно создаёт lock-файл (O_CREATE|O_EXCL) в
// директории CA. Устаревший lock от упавшего процесса снимается
// автоматически. Возвращает функцию освобождения.
func acquireBootstrapLock(dir string) (func(), error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию CA: %w", err)
	}

	lockPath := filepath.Join(dir, bootstrapLockFile)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("не удалось создать lock-файл: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > bootstrapLockTTL {
			// Lock старше TTL - процесс, создавший его, до сюда не
			// дожил. Снимаем и пробуем захватить ещё раз.
			os.Remove(lockPath)
			continue
		}

		return nil, fmt.Errorf("инициализация CA уже выполняется другим процессом; если предыдущий запуск завершился аварийно, удалите %s", lockPath)
	}

	return nil, fmt.Errorf("не удалось захватить lock-файл %s", lockPath)
}

// LoadCertificate загружает и парсит PEM-сертификат из файла.
func LoadCertificate(path string) (*x509.Certificate, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать файл сертификата: %w", err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: не удалось декодировать PEM", ErrMalformedCertificate)
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: неверный тип PEM %q (ожидался CERTIFICATE)", ErrMalformedCertificate, block.Type)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}

	return cert, nil
}

// SaveCertificate сохраняет DER-сертификат в PEM-файл с правами 0644.
func SaveCertificate(certDER []byte, path string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})

	return os.WriteFile(path, certPEM, 0644)
}

// EncodeCertificatePEM возвращает PEM-представление DER-сертификата.
func EncodeCertificatePEM(certDER []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	}))
}
