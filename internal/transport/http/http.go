package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/metrics"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
	"github.com/corray333/backend-labs/autherror/internal/service/models/cluster"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
	"github.com/corray333/backend-labs/autherror/internal/service/services/autherrorsvc"
	applydecision "github.com/corray333/backend-labs/autherror/internal/transport/http/apply_decision"
	clusterdecision "github.com/corray333/backend-labs/autherror/internal/transport/http/cluster_decision"
	getoutbox "github.com/corray333/backend-labs/autherror/internal/transport/http/get_outbox"
	listclusters "github.com/corray333/backend-labs/autherror/internal/transport/http/list_clusters"
	reapoutbox "github.com/corray333/backend-labs/autherror/internal/transport/http/reap_outbox"
	recordautherror "github.com/corray333/backend-labs/autherror/internal/transport/http/record_auth_error"
	"github.com/corray333/backend-labs/autherror/pkg/http/middleware/trace"
	"github.com/corray333/backend-labs/autherror/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
)

type authErrorService interface {
	Record(ctx context.Context, cmd autherrorsvc.RecordCommand) (autherrorsvc.RecordResult, error)
	ApplyDecision(ctx context.Context, cmd autherrorsvc.DecisionCommand) (autherror.AuthError, error)
	ApplyClusterDecision(ctx context.Context, cmd autherrorsvc.ClusterDecisionCommand) (cluster.Decision, error)
	ListClusters(ctx context.Context, limit, offset int) (cluster.Page, error)
}

type outboxService interface {
	FindByID(ctx context.Context, id int64) (outbox.Message, error)
	ReapOnce(ctx context.Context) (int, error)
}

type HTTPTransport struct {
	server     *http.Server
	router     *chi.Mux
	authErrors authErrorService
	outbox     outboxService
	opsEnabled bool
}

func NewHTTPTransport(authErrors authErrorService, outboxSvc outboxService) *HTTPTransport {
	router := newRouter()
	server := newServer(router)

	return &HTTPTransport{
		server:     server,
		router:     router,
		authErrors: authErrors,
		outbox:     outboxSvc,
		opsEnabled: viper.GetBool("server.http.ops_enabled"),
	}
}

func (h *HTTPTransport) Run() error {
	return h.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (h *HTTPTransport) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// RegisterRoutes registers the routes for the HTTPTransport.
// Operator routes are mounted only when server.http.ops_enabled is set.
func (h *HTTPTransport) RegisterRoutes() {
	h.router.Handle("/metrics", promhttp.Handler())

	h.router.Route("/api", func(r chi.Router) {
		r.Post("/auth-errors", h.recordAuthError)
		r.Get("/auth-error-clusters", h.listClusters)
		r.Get("/outbox/{id}", h.getOutbox)

		if !h.opsEnabled {
			return
		}
		r.Route("/ops", func(r chi.Router) {
			r.Post("/auth-errors/{id}/decision", h.applyDecision)
			r.Post("/clusters/{id}/decision", h.applyClusterDecision)
			r.Post("/outbox/reap", h.reapOutbox)
		})
	})
}

func (h *HTTPTransport) recordAuthError(w http.ResponseWriter, r *http.Request) {
	recordautherror.Record(w, r, h.authErrors)
}

func (h *HTTPTransport) listClusters(w http.ResponseWriter, r *http.Request) {
	listclusters.ListClusters(w, r, h.authErrors)
}

func (h *HTTPTransport) getOutbox(w http.ResponseWriter, r *http.Request) {
	getoutbox.GetOutbox(w, r, h.outbox)
}

func (h *HTTPTransport) applyDecision(w http.ResponseWriter, r *http.Request) {
	applydecision.ApplyDecision(w, r, h.authErrors)
}

func (h *HTTPTransport) applyClusterDecision(w http.ResponseWriter, r *http.Request) {
	clusterdecision.ApplyClusterDecision(w, r, h.authErrors)
}

func (h *HTTPTransport) reapOutbox(w http.ResponseWriter, r *http.Request) {
	reapoutbox.ReapOutbox(w, r, h.outbox)
}

func newRouter() *chi.Mux {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(trace.NewTraceMiddleware)
	router.Use(logger.NewLoggerMiddleware(slog.Default()))
	router.Use(metrics.NewHTTPMiddleware())

	allowedOrigins := viper.GetStringSlice("server.http.cors.allowed_origins")
	allowedMethods := viper.GetStringSlice("server.http.cors.allowed_methods")
	allowedHeaders := viper.GetStringSlice("server.http.cors.allowed_headers")
	exposedHeaders := viper.GetStringSlice("server.http.cors.exposed_headers")
	allowCredentials := viper.GetBool("server.http.cors.allow_credentials")
	maxAge := viper.GetInt("server.http.cors.max_age")

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   allowedMethods,
		AllowedHeaders:   allowedHeaders,
		ExposedHeaders:   exposedHeaders,
		AllowCredentials: allowCredentials,
		MaxAge:           maxAge,
	})

	router.Use(c.Handler)

	return router
}

func newServer(router http.Handler) *http.Server {
	return &http.Server{
		Addr:              "0.0.0.0:" + viper.GetString("server.http.port"),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
