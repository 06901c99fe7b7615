package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"TorMesh/internal/core"
)

const (
	// RootBody - ответ на GET /
	RootBody = "Mesh network running"
	// HealthBody - ответ на GET /health
	HealthBody = "OK"
)

var log = core.NewLogger("health")

// Status - снимок состояния узла для /status
type Status struct {
	Running       bool   `json:"running"`
	Port          int    `json:"port"`
	HealthPort    int    `json:"health_port"`
	Peers         int    `json:"peers"`
	ActivePeers   int    `json:"active_peers"`
	Buffered      int    `json:"buffered"`
	KnownMessages int    `json:"known_messages"`
	DHTPeers      int    `json:"dht_peers"`
	OnionAddress  string `json:"onion_address"`
	TorRunning    bool   `json:"tor_running"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// StatusFunc возвращает текущее состояние узла
type StatusFunc func() Status

// Server - HTTP-сервер мониторинга
type Server struct {
	addr     string
	status   StatusFunc
	registry *prometheus.Registry

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	started  time.Time
}

// NewServer создает сервер. registry == nil отключает /metrics.
func NewServer(addr string, status StatusFunc, registry *prometheus.Registry) *Server {
	return &Server{addr: addr, status: status, registry: registry}
}

// Handler возвращает маршрутизатор сервера
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	}
	return mux
}

// Start занимает порт и обслуживает запросы в фоне. Ошибка bind возвращается сразу.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("health: сервер уже запущен")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("не удалось запустить health-сервер на %s: %w", s.addr, err)
	}

	s.started = time.Now()
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("❌ Health-сервер остановился: %v", err)
		}
	}()

	log.Info("🩺 Health-сервер слушает %s", ln.Addr())
	return nil
}

// Addr возвращает фактический адрес или nil до Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port возвращает фактический порт или 0
func (s *Server) Port() int {
	if a, ok := s.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Stop корректно останавливает сервер
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("не удалось остановить health-сервер: %w", err)
	}
	return nil
}

func (s *Server) uptime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return int64(time.Since(s.started).Seconds())
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeText(w, RootBody)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, HealthBody)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st Status
	if s.status != nil {
		st = s.status()
	}
	st.UptimeSeconds = s.uptime()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		log.Debug("не удалось записать /status: %v", err)
	}
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
