// Package api 提供设备状态查询和命令下发的 HTTP 接口
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/arrudagates/ponder/internal/config"
	"github.com/arrudagates/ponder/internal/device"
	"github.com/arrudagates/ponder/internal/logger"
	"github.com/arrudagates/ponder/internal/session"
	"github.com/arrudagates/ponder/internal/statestore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readHeaderTimeout = 5 * time.Second
	maxBodyBytes      = 64 << 10
)

// Sessions 是会话管理器对外暴露的只读视图
type Sessions interface {
	Sessions() []session.Info
	Get(clientID string) (session.Info, bool)
	IsConnected(clientID string) bool
	Disconnect(clientID string) error
}

// History 由状态存储实现，未启用时为空
type History interface {
	History(ctx context.Context, deviceID, field string, limit int) ([]statestore.HistoryEntry, error)
}

type Options struct {
	Config     config.APIConfig
	Registry   *device.Registry
	States     *device.StateTable
	Translator *device.Translator
	Sessions   Sessions
	History    History
	Gatherer   prometheus.Gatherer
}

type Server struct {
	cfg        config.APIConfig
	registry   *device.Registry
	states     *device.StateTable
	translator *device.Translator
	sessions   Sessions
	history    History
	gatherer   prometheus.Gatherer

	hub  *Hub
	http *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		cfg:        opts.Config,
		registry:   opts.Registry,
		states:     opts.States,
		translator: opts.Translator,
		sessions:   opts.Sessions,
		history:    opts.History,
		gatherer:   opts.Gatherer,
		hub:        NewHub(),
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

// Router 构建全部路由，测试直接使用它
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/definitions", s.handleListDefinitions)
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{clientID}", s.handleKickSession)
		r.Get("/ws", s.handleWebSocket)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Put("/", s.handleRegisterDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Post("/commands", s.handleCommand)
				r.Get("/failures", s.handleFailures)
				r.Get("/history", s.handleHistory)
			})
		})
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.DebugF("[%s] %s %s %d %s", middleware.GetReqID(r.Context()), r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// Start 开始监听，并把状态变化推送给 websocket 客户端
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.hub.Run(s.states)
	s.http = &http.Server{Handler: s.Router(), ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("API server stopped, details: %v", err)
		}
	}()
	logger.InfoF("API server listening on %s", addr)
	return nil
}

func (s *Server) Invoke(ctx context.Context) error {
	logger.InfoF("Shutting down API server")
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
