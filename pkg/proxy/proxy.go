package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/budget"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/chat"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/config"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/normalize"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/ratelimit"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/router"
)

// Options carry the collaborators a Server needs.
type Options struct {
	Engine *chat.Engine
	Router *router.Router
	// Ledger is set in server balance mode and enables the balance routes.
	Ledger  *budget.Ledger
	Limiter ratelimit.Limiter
	Logger  *zap.Logger
}

// Server is the chat HTTP API.
type Server struct {
	cfg     *config.Config
	engine  *chat.Engine
	router  *router.Router
	ledger  *budget.Ledger
	limiter ratelimit.Limiter
	log     *zap.Logger
	limits  normalize.Limits
	mux     chi.Router
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		engine:  opts.Engine,
		router:  opts.Router,
		ledger:  opts.Ledger,
		limiter: opts.Limiter,
		log:     log.Named("http"),
		limits:  normalize.LimitsFrom(cfg.Limits),
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleHealth)
	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(middleware.RequestSize(cfg.Limits.MaxBodyBytes))
		r.Post("/api/chat", s.handleChat)
		if s.ledger != nil {
			r.Post("/api/reset-balance", s.handleResetBalance)
			r.Get("/api/balance", s.handleBalance)
		}
	})

	s.mux = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type modelInfo struct {
	Name            string   `json:"name"`
	ModelID         string   `json:"modelId"`
	Aliases         []string `json:"aliases,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens"`
}

type healthResponse struct {
	Status          string      `json:"status"`
	DefaultModel    string      `json:"defaultModel"`
	Modes           []string    `json:"modes"`
	AvailableModels []modelInfo `json:"availableModels"`
	DeepEnabled     bool        `json:"deepEnabled"`
	BalanceMode     string      `json:"balanceMode"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	avail := s.router.Available()
	infos := make([]modelInfo, len(avail))
	for i, p := range avail {
		infos[i] = modelInfo{Name: p.Name, ModelID: p.ModelID, Aliases: p.Aliases, MaxOutputTokens: p.MaxOutputTokens}
	}
	mode := config.BalanceClient
	if s.ledger != nil {
		mode = config.BalanceServer
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		DefaultModel:    s.router.Default().Name,
		Modes:           s.router.Modes(),
		AvailableModels: infos,
		DeepEnabled:     s.router.DeepEnabled(),
		BalanceMode:     mode,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())

	req, err := normalize.FromHTTP(r, s.limits)
	if err != nil {
		if errors.Is(err, normalize.ErrPayloadTooLarge) {
			s.log.Info("request body too large", zap.String("request_id", reqID), zap.Error(err))
			s.fail(w, http.StatusRequestEntityTooLarge, "payload too large", chat.ReplyTooLarge)
			return
		}
		s.log.Info("malformed chat request", zap.String("request_id", reqID), zap.Error(err))
		s.fail(w, http.StatusBadRequest, "malformed request body", chat.ReplyMalformed)
		return
	}

	resp, err := s.engine.Run(r.Context(), req, reqID)
	switch {
	case errors.Is(err, normalize.ErrEmptyRequest):
		if s.cfg.StrictErrors {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case err != nil:
		if r.Context().Err() != nil {
			s.log.Debug("client disconnected", zap.String("request_id", reqID))
			return
		}
		s.fail(w, http.StatusBadGateway, "upstream request failed", chat.ReplyFailure)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

type balanceResponse struct {
	Balance float64 `json:"balance"`
	Session float64 `json:"session"`
}

func (s *Server) handleResetBalance(w http.ResponseWriter, r *http.Request) {
	f := s.ledger.Reset()
	s.log.Info("balance reset",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("balance", f.Balance.String()),
	)
	writeJSON(w, http.StatusOK, toBalance(f))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toBalance(s.ledger.Snapshot()))
}

func toBalance(f budget.Figures) balanceResponse {
	c := f.Costs()
	return balanceResponse{Balance: c.Balance, Session: c.Session}
}

// fail writes a failure according to the error policy: a status and
// {"error"} in strict mode, otherwise 200 with an apology and null
// usage and costs.
func (s *Server) fail(w http.ResponseWriter, code int, message, reply string) {
	if s.cfg.StrictErrors {
		writeJSONError(w, code, message)
		return
	}
	writeJSON(w, http.StatusOK, models.ChatResponse{Reply: reply})
}

// rateLimit limits requests per client IP. Limiter errors let the request
// through.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ok, err := s.limiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.Error(err))
			ok = true
		}
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RateLimit.Window.Seconds())))
			s.fail(w, http.StatusTooManyRequests, "too many requests", chat.ReplyBusy)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// requestID tags each request with the inbound X-Request-Id or a new uuid.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
