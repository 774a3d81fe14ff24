package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/AuroralH2020/auroral-node-agent/adapter"
	"github.com/AuroralH2020/auroral-node-agent/config"
	"github.com/AuroralH2020/auroral-node-agent/discovery"
	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/health"
	"github.com/AuroralH2020/auroral-node-agent/login"
	"github.com/AuroralH2020/auroral-node-agent/metric"
	"github.com/AuroralH2020/auroral-node-agent/registration"
	"github.com/AuroralH2020/auroral-node-agent/registry"
)

// Registrations changes what this node has registered.
type Registrations interface {
	RegisterObjects(ctx context.Context, items []registry.Item) (*registration.RegisterResult, error)
	UpdateObjects(ctx context.Context, items []registry.Item) (*registration.UpdateResult, error)
	RemoveObjects(ctx context.Context, oids []string) (*registration.RemoveResult, error)
	Audit(ctx context.Context) (registration.Reconciliation, error)
}

// Catalog reads stored registrations.
type Catalog interface {
	List(ctx context.Context) ([]string, error)
	Get(ctx context.Context, oid string) (registration.View, error)
	Visibility(ctx context.Context, oid string) (registration.Visibility, error)
	SetVisibility(ctx context.Context, items []registration.Visibility) error
}

// Sessions manages platform logins.
type Sessions interface {
	LoginGateway(ctx context.Context, maxAttempts int) error
	LoginObjects(ctx context.Context, oids []string) []string
	Logout(ctx context.Context, oid string) error
	Sessions() []login.Session
}

// Router serves runtime requests for local objects.
type Router interface {
	Route(ctx context.Context, req adapter.Request) (adapter.Response, error)
}

// Discovery runs local, remote and federated discovery.
type Discovery interface {
	LocalDiscovery(ctx context.Context, id string) ([]string, error)
	LocalQuery(ctx context.Context, query string) (json.RawMessage, error)
	RemoteQuery(ctx context.Context, agid, query string) (json.RawMessage, error)
	FederatedQuery(ctx context.Context, query string, agids []string) (json.RawMessage, error)
	FederatedQueryOrganisation(ctx context.Context, query, cid string) (json.RawMessage, error)
	FederatedQueryCommunity(ctx context.Context, query, commID string) (json.RawMessage, error)
	AnswerQuery(ctx context.Context, targetID string, perm discovery.Permission, query string) (json.RawMessage, error)
	AnswerDescription(ctx context.Context, oid string, perm discovery.Permission) (json.RawMessage, error)
	DiscoverDescriptions(ctx context.Context, agid string, oids []string) ([]registry.RemoteDescription, error)
	OrganisationNodes(ctx context.Context, cid string) ([]registry.Node, error)
	CommunityNodes(ctx context.Context, commID string) ([]registry.Node, error)
	OrganisationItems(ctx context.Context) ([]string, error)
	ContractItems(ctx context.Context, ctid, oid string) (json.RawMessage, error)
}

// Permissions resolves what a request origin may see.
type Permissions interface {
	Resolve(ctx context.Context, originID string) (discovery.Permission, error)
}

// Consumer reaches remote objects through the platform.
type Consumer interface {
	Description(ctx context.Context, oid string) (json.RawMessage, error)
	ReadProperty(ctx context.Context, id, oid, pid string, params url.Values) (json.RawMessage, error)
	WriteProperty(ctx context.Context, id, oid, pid string, body json.RawMessage, params url.Values) (json.RawMessage, error)
	Channels(ctx context.Context, id, oid string) (json.RawMessage, error)
	Activate(ctx context.Context, id, eid string) (string, error)
	Deactivate(ctx context.Context, id, eid string) (string, error)
	Publish(ctx context.Context, id, eid string, body []byte) (string, error)
	Status(ctx context.Context, id, oid, eid string) (json.RawMessage, error)
	Subscribe(ctx context.Context, id, oid, eid string) (string, error)
	Unsubscribe(ctx context.Context, id, oid, eid string) (string, error)
}

// Notifier handles platform notifications.
type Notifier interface {
	Notify(ctx context.Context, nid string) error
}

// HealthChecker probes the node's dependencies.
type HealthChecker interface {
	Run(ctx context.Context) health.Report
}

// Dependencies are the handlers' collaborators. Metrics may be nil, which
// disables /metrics.
type Dependencies struct {
	Registrations Registrations
	Catalog       Catalog
	Sessions      Sessions
	Router        Router
	Discovery     Discovery
	Permissions   Permissions
	Consumer      Consumer
	Notifier      Notifier
	Health        HealthChecker
	Metrics       *metric.MetricsRegistry
}

// Server is the agent's HTTP surface.
type Server struct {
	deps    Dependencies
	cfg     config.APIConfig
	logger  *slog.Logger
	handler http.Handler
}

// NewServer creates a server and its routes.
func NewServer(deps Dependencies, cfg config.APIConfig, logger *slog.Logger) (*Server, error) {
	if deps.Registrations == nil || deps.Catalog == nil || deps.Sessions == nil || deps.Router == nil ||
		deps.Discovery == nil || deps.Permissions == nil || deps.Consumer == nil ||
		deps.Notifier == nil || deps.Health == nil {
		return nil, errs.WrapInvalid(errs.ErrMissingConfig, "Server", "NewServer", "check dependencies")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger.With("component", "api")}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware(s.logger), loggingMiddleware)
	s.routes(r)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{RequestIDHeader},
	})
	s.handler = c.Handler(r)
	return s, nil
}

func (s *Server) routes(r *mux.Router) {
	if s.deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(
			s.deps.Metrics.PrometheusRegistry(),
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		)).Methods(http.MethodGet)
	}

	a := r.PathPrefix("/api").Subrouter()
	a.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Node administration
	a.HandleFunc("/admin/health", s.handleHealthReport).Methods(http.MethodGet)
	a.HandleFunc("/admin/sessions", s.handleSessions).Methods(http.MethodGet)
	a.HandleFunc("/admin/reconciliation", s.handleReconciliation).Methods(http.MethodGet)
	a.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	a.HandleFunc("/login/{oid}", s.handleLogin).Methods(http.MethodPost)
	a.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	a.HandleFunc("/logout/{oid}", s.handleLogout).Methods(http.MethodPost)

	// Registrations
	a.HandleFunc("/registration", s.handleListRegistrations).Methods(http.MethodGet)
	a.HandleFunc("/registration", s.handleRegister).Methods(http.MethodPost)
	a.HandleFunc("/registration", s.handleUpdate).Methods(http.MethodPut)
	a.HandleFunc("/registration", s.handleRemove).Methods(http.MethodDelete)
	a.HandleFunc("/registration/visibility", s.handleSetVisibility).Methods(http.MethodPut)
	a.HandleFunc("/registration/{oid}", s.handleGetRegistration).Methods(http.MethodGet)
	a.HandleFunc("/registration/{oid}/visibility", s.handleGetVisibility).Methods(http.MethodGet)

	// Discovery
	a.HandleFunc("/discovery/local", s.handleLocalDiscovery).Methods(http.MethodGet)
	a.HandleFunc("/discovery/local/semantic", s.handleLocalQuery).Methods(http.MethodPost)
	a.HandleFunc("/discovery/local/{id}", s.handleLocalDiscovery).Methods(http.MethodGet)
	a.HandleFunc("/discovery/nodes/organisation", s.handleOrganisationNodes).Methods(http.MethodGet)
	a.HandleFunc("/discovery/nodes/organisation/{cid}", s.handleOrganisationNodes).Methods(http.MethodGet)
	a.HandleFunc("/discovery/nodes/community/{commid}", s.handleCommunityNodes).Methods(http.MethodGet)
	a.HandleFunc("/discovery/items/organisation", s.handleOrganisationItems).Methods(http.MethodGet)
	a.HandleFunc("/discovery/items/contract/{ctid}", s.handleContractItems).Methods(http.MethodGet)
	a.HandleFunc("/discovery/items/contract/{ctid}/{oid}", s.handleContractItems).Methods(http.MethodGet)
	a.HandleFunc("/discovery/remote/td/{agid}", s.handleRemoteDescriptions).Methods(http.MethodGet)
	a.HandleFunc("/discovery/remote/semantic/{agid}", s.handleRemoteQuery).Methods(http.MethodGet, http.MethodPost)
	a.HandleFunc("/discovery/federation/semantic", s.handleFederatedQuery).Methods(http.MethodPost)
	a.HandleFunc("/discovery/federation/semantic/organisation/{cid}", s.handleFederatedOrganisation).Methods(http.MethodPost)
	a.HandleFunc("/discovery/federation/semantic/community/{commid}", s.handleFederatedCommunity).Methods(http.MethodPost)

	// Consumption of remote objects
	a.HandleFunc("/td/{oid}", s.handleDescription).Methods(http.MethodGet)
	a.HandleFunc("/properties/{id}/{oid}/{pid}", s.handleReadProperty).Methods(http.MethodGet)
	a.HandleFunc("/properties/{id}/{oid}/{pid}", s.handleWriteProperty).Methods(http.MethodPut)
	a.HandleFunc("/events/local/{id}/{eid}", s.handleActivate).Methods(http.MethodPost)
	a.HandleFunc("/events/local/{id}/{eid}", s.handlePublish).Methods(http.MethodPut)
	a.HandleFunc("/events/local/{id}/{eid}", s.handleDeactivate).Methods(http.MethodDelete)
	a.HandleFunc("/events/remote/{id}/{oid}", s.handleChannels).Methods(http.MethodGet)
	a.HandleFunc("/events/remote/{id}/{oid}/{eid}", s.handleChannelStatus).Methods(http.MethodGet)
	a.HandleFunc("/events/remote/{id}/{oid}/{eid}", s.handleSubscribe).Methods(http.MethodPost)
	a.HandleFunc("/events/remote/{id}/{oid}/{eid}", s.handleUnsubscribe).Methods(http.MethodDelete)

	// Requests forwarded by the gateway on behalf of other nodes
	p := a.PathPrefix("/proxy").Subrouter()
	p.HandleFunc("/properties/{oid}/{pid}", s.handleProxyProperty).Methods(http.MethodGet, http.MethodPut)
	p.HandleFunc("/events/{oid}/{eid}", s.handleProxyEvent).Methods(http.MethodPost, http.MethodPut)
	p.HandleFunc("/discovery/{id}", s.handleProxyQuery).Methods(http.MethodPost)
	p.HandleFunc("/td/{oid}", s.handleProxyDescription).Methods(http.MethodGet)
	p.HandleFunc("/notifications/{agid}/{nid}", s.handleNotification).Methods(http.MethodPost)
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on the configured address until ctx ends, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", "address", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errs.WrapFatal(err, "Server", "Run", "listen")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errs.Wrap(err, "Server", "Run", "shutdown")
	}
	s.logger.Info("HTTP API stopped")
	return nil
}
