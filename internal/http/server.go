package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type Server struct {
	Router *chi.Mux
}

type Options struct {
	Logger         *zap.Logger
	AllowedOrigins []string
	Auth           AdminAuth
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

func NewServer(handler *Handler, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type", "X-User-Id", "X-Signature"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Post("/quotes", handler.Quote)
	r.Route("/transactions", func(r chi.Router) {
		r.Post("/", handler.CreateTransaction)
		r.Get("/", handler.ListTransactions)
		r.Get("/{id}", handler.GetTransaction)
	})
	r.Post("/callbacks/{gateway}", handler.Callback)

	r.Route("/admin", func(r chi.Router) {
		r.Use(opts.Auth.Middleware)
		r.Get("/transactions", handler.AdminListTransactions)
		r.Get("/transactions/{id}", handler.AdminGetTransaction)
		r.Post("/transactions/{id}/confirm", handler.AdminConfirm)
		r.Post("/transactions/{id}/reject", handler.AdminReject)
		r.Post("/transactions/{id}/retry", handler.AdminRetry)
		r.Post("/transactions/{id}/decision", handler.AdminDecision)
		r.Get("/rates", handler.AdminRates)
		r.Put("/rates", handler.AdminPublishRates)
	})

	return &Server{Router: r}
}

func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
