// Package repository реализует HTTP сервер репозитория: раздачу
// выпущенных сертификатов, сертификатов CA, CRL и OCSP-подобных
// ответов о статусе.
package repository

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pkicore/internal/authority"
	"pkicore/internal/config"
	"pkicore/internal/revocation"
	"pkicore/internal/store"
)

// Server - HTTP сервер репозитория сертификатов.
type Server struct {
	cfg      *config.Config
	db       *store.Store
	ca       *authority.Authority
	rev      *revocation.Engine
	log      zerolog.Logger
	httpServ *http.Server
}

// NewServer создаёт сервер репозитория поверх уже открытых хранилища
// и CA.
func NewServer(cfg *config.Config, db *store.Store, ca *authority.Authority, rev *revocation.Engine, log zerolog.Logger) *Server {
	return &Server{
		cfg: cfg,
		db:  db,
		ca:  ca,
		rev: rev,
		log: log.With().Str("component", "repository").Logger(),
	}
}

// Handler возвращает полный обработчик репозитория с маршрутизацией
// и логированием запросов.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/certificate/", s.handleCertificate)
	mux.HandleFunc("/ca/", s.handleCA)
	mux.HandleFunc("/crl", s.handleCRL)
	mux.HandleFunc("/status/", s.handleStatus)
	mux.HandleFunc("/ocsp/", s.handleOCSP)
	mux.HandleFunc("/health", s.handleHealth)
	return s.loggingMiddleware(mux)
}

// Start запускает HTTP сервер и блокируется до его остановки.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.httpServ = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	s.log.Info().Str("addr", addr).Str("database", s.db.Path()).Msg("запуск сервера репозитория")

	if err := s.httpServ.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ошибка сервера: %w", err)
	}
	return nil
}

// Stop останавливает HTTP сервер.
func (s *Server) Stop() error {
	if s.httpServ == nil {
		return nil
	}
	s.log.Info().Msg("остановка сервера репозитория")
	return s.httpServ.Close()
}

// loggingMiddleware логирует все входящие HTTP запросы.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Str("remote", r.RemoteAddr).
			Dur("duration", time.Since(start)).
			Msg("запрос обработан")
	})
}

// handleCertificate обрабатывает GET /certificate/<serial>
func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Метод не поддерживается", http.StatusMethodNotAllowed)
		return
	}

	serialHex, ok := s.serialFromPath(w, r.URL.Path, "/certificate/")
	if !ok {
		return
	}

	record, err := s.db.GetBySerial(serialHex)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Сертификат не найден", http.StatusNotFound)
			return
		}
		http.Error(w, "Внутренняя ошибка", http.StatusInternalServerError)
		return
	}

	if record.Status == store.StatusRevoked {
		s.log.Warn().Str("serial", serialHex).Msg("запрошен отозванный сертификат")
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", serialHex+".pem"))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(record.CertPEM))
}

// handleCA обрабатывает GET /ca/<root|intermediate>
func (s *Server) handleCA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Метод не поддерживается", http.StatusMethodNotAllowed)
		return
	}

	level := strings.TrimPrefix(r.URL.Path, "/ca/")
	var certPath string
	switch level {
	case "root":
		certPath = s.ca.RootCertPath()
	case "intermediate":
		certPath = s.ca.IntermediateCertPath()
	default:
		http.Error(w, "Уровень CA должен быть 'root' или 'intermediate'", http.StatusBadRequest)
		return
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		http.Error(w, "Сертификат CA не найден", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", level+"-ca.pem"))
	w.WriteHeader(http.StatusOK)
	w.Write(certPEM)
}

// handleCRL обрабатывает GET /crl - отдаёт текущий CRL, генерируя его
// при отсутствии.
func (s *Server) handleCRL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Метод не поддерживается", http.StatusMethodNotAllowed)
		return
	}

	crlPEM, err := os.ReadFile(s.rev.CRLPath())
	if err != nil {
		if !os.IsNotExist(err) {
			http.Error(w, "Не удалось прочитать CRL", http.StatusInternalServerError)
			return
		}
		crlPEM, err = s.rev.GenerateCRL()
		if err != nil {
			s.log.Error().Err(err).Msg("не удалось сгенерировать CRL")
			http.Error(w, "Не удалось сгенерировать CRL", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="crl.pem"`)
	w.WriteHeader(http.StatusOK)
	w.Write(crlPEM)
}

// handleStatus обрабатывает GET /status/<serial> - краткий статус
// сертификата в JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Метод не поддерживается", http.StatusMethodNotAllowed)
		return
	}

	serialHex, ok := s.serialFromPath(w, r.URL.Path, "/status/")
	if !ok {
		return
	}

	status, err := s.rev.ResolveStatus(serialHex)
	if err != nil {
		http.Error(w, "Внутренняя ошибка", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, status)
}

// handleOCSP обрабатывает GET /ocsp/<serial> - полный OCSP-подобный
// JSON ответ.
func (s *Server) handleOCSP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Метод не поддерживается", http.StatusMethodNotAllowed)
		return
	}

	serialHex, ok := s.serialFromPath(w, r.URL.Path, "/ocsp/")
	if !ok {
		return
	}

	resp, err := s.rev.BuildOCSPResponse(serialHex)
	if err != nil {
		if errors.Is(err, authority.ErrNotBootstrapped) {
			http.Error(w, "CA не инициализирован", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "Внутренняя ошибка", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, resp)
}

// handleHealth обрабатывает GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Метод не поддерживается", http.StatusMethodNotAllowed)
		return
	}

	if err := s.db.Ping(); err != nil {
		http.Error(w, "База данных недоступна", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","database":"connected"}`))
}

// serialFromPath извлекает и валидирует hex серийный номер из URL.
func (s *Server) serialFromPath(w http.ResponseWriter, path, prefix string) (string, bool) {
	serialHex := strings.ToLower(strings.TrimPrefix(path, prefix))
	if serialHex == "" {
		http.Error(w, "Серийный номер не указан", http.StatusBadRequest)
		return "", false
	}
	if _, err := hex.DecodeString(serialHex); err != nil {
		http.Error(w, "Неверный формат серийного номера (ожидается hex)", http.StatusBadRequest)
		return "", false
	}
	return serialHex, true
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("не удалось сериализовать JSON ответ")
	}
}

// responseWriter - обертка для http.ResponseWriter, которая запоминает
// статус код.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader перехватывает вызов WriteHeader для сохранения статус кода.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
