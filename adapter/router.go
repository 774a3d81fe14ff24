package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/AuroralH2020/auroral-node-agent/config"
	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/mapping"
	"github.com/AuroralH2020/auroral-node-agent/metric"
	"github.com/AuroralH2020/auroral-node-agent/wot"
)

const routerComponent = "adapter.Router"

// Interactions a request can address.
const (
	InteractionProperty  = "property"
	InteractionEvent     = "event"
	InteractionDiscovery = "discovery"
)

// Interaction ids whose adapter answer is a list of measurements.
const (
	iidGetAll        = "getAll"
	iidGetHistorical = "getHistorical"
)

var (
	missingParameters = json.RawMessage(`{"success":false,"message":"Missing parameters"}`)
	dummyEvent        = json.RawMessage(`{"success":true}`)
)

// Registrations tells which objects and interactions are local.
type Registrations interface {
	Exists(ctx context.Context, oid string) (bool, error)
	HasInteraction(ctx context.Context, oid, iid string) (bool, error)
}

// Mapper rewrites adapter values through stored templates.
type Mapper interface {
	Render(ctx context.Context, oid, iid, value, timestamp string) (json.RawMessage, error)
	RenderArray(ctx context.Context, oid, iid string, payload json.RawMessage, timestamp string) (json.RawMessage, error)
}

// Request is one runtime request for a local object.
type Request struct {
	OID         string
	IID         string
	Method      string
	Interaction string
	SourceOID   string
	Body        json.RawMessage
	Params      url.Values
	// MappingOverride forces mapping on or off for this request.
	MappingOverride *bool
}

// Response is the answer returned to the requester.
type Response struct {
	Body   json.RawMessage
	Mapped bool
}

// Dependencies are the collaborators of a Router. Proxy is needed in proxy
// mode, Semantic in semantic mode and Mapper whenever mapping may apply.
type Dependencies struct {
	Registrations Registrations
	Proxy         Proxy
	Semantic      wot.Interactor
	Mapper        Mapper
	Metrics       *metric.Metrics
	Clock         clockwork.Clock
}

// Router dispatches runtime requests according to the adapter mode.
type Router struct {
	deps       Dependencies
	cfg        config.AdapterConfig
	wotEnabled bool
	logger     *slog.Logger
}

// NewRouter creates a router.
func NewRouter(deps Dependencies, cfg config.AdapterConfig, wotEnabled bool, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Router{
		deps:       deps,
		cfg:        cfg,
		wotEnabled: wotEnabled,
		logger:     logger.With("component", routerComponent, "mode", cfg.Mode),
	}
}

// Mode returns the configured adapter mode.
func (r *Router) Mode() string { return r.cfg.Mode }

// Route answers req. A request without interaction id or method gets the
// "Missing parameters" body together with a validation error.
func (r *Router) Route(ctx context.Context, req Request) (Response, error) {
	start := r.deps.Clock.Now()
	resp, err := r.route(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = errs.KindOf(err).String()
	}
	r.deps.Metrics.RecordAdapterRequest(r.cfg.Mode, req.Interaction, outcome, r.deps.Clock.Since(start).Seconds())
	return resp, err
}

func (r *Router) route(ctx context.Context, req Request) (Response, error) {
	if req.IID == "" || req.Method == "" {
		return Response{Body: missingParameters},
			errs.WrapInvalid(errs.ErrMissingParameters, routerComponent, "Route", "check request")
	}
	if req.OID == "" {
		return Response{Body: missingParameters},
			errs.WrapInvalid(errs.ErrMissingParameters, routerComponent, "Route", "check object")
	}

	if err := r.checkRegistered(ctx, req); err != nil {
		return Response{}, err
	}

	switch r.cfg.Mode {
	case config.ModeDummy:
		return r.dummy(req)
	case config.ModeSemantic:
		return r.semantic(ctx, req)
	case config.ModeProxy:
		return r.proxy(ctx, req)
	default:
		return Response{}, errs.WrapInvalid(fmt.Errorf("%w: adapter mode %q", errs.ErrInvalidConfig, r.cfg.Mode),
			routerComponent, "Route", "select mode")
	}
}

// checkRegistered accepts events for any local object. Other interactions
// must be declared by the object.
func (r *Router) checkRegistered(ctx context.Context, req Request) error {
	var ok bool
	var err error
	if req.Interaction == InteractionEvent {
		ok, err = r.deps.Registrations.Exists(ctx, req.OID)
	} else {
		ok, err = r.deps.Registrations.HasInteraction(ctx, req.OID, req.IID)
	}
	if err != nil {
		return err
	}
	if !ok {
		return errs.WrapKind(
			fmt.Errorf("%w: %s has no interaction %s", errs.ErrObjectNotFound, req.OID, req.IID),
			errs.KindNotFound, routerComponent, "Route", "check interaction")
	}
	return nil
}

func (r *Router) dummy(req Request) (Response, error) {
	if req.Interaction == InteractionEvent {
		r.logger.Info("Event received in dummy mode", "oid", req.OID, "iid", req.IID, "body", string(req.Body))
		return Response{Body: dummyEvent}, nil
	}
	body, err := json.Marshal(map[string]any{
		"success":     true,
		"value":       100,
		"object":      req.OID,
		"interaction": req.IID,
	})
	if err != nil {
		return Response{}, errs.Wrap(err, routerComponent, "dummy", "encode answer")
	}
	return Response{Body: body}, nil
}

func (r *Router) semantic(ctx context.Context, req Request) (Response, error) {
	if r.deps.Semantic == nil {
		return Response{}, errs.WrapInvalid(errs.ErrMissingConfig, routerComponent, "semantic", "check semantic service")
	}
	interaction := req.Interaction
	if interaction == InteractionDiscovery {
		interaction = wot.InteractionProperty
	}
	body, err := r.deps.Semantic.Interact(ctx, wot.InteractionRequest{
		Method:      req.Method,
		OID:         req.OID,
		Interaction: interaction,
		IID:         req.IID,
		SourceOID:   req.SourceOID,
		Body:        req.Body,
		Params:      req.Params,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Body: body}, nil
}

func (r *Router) proxy(ctx context.Context, req Request) (Response, error) {
	if r.deps.Proxy == nil {
		return Response{}, errs.WrapInvalid(errs.ErrMissingConfig, routerComponent, "proxy", "check proxy")
	}
	answer, err := r.deps.Proxy.Send(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if !r.mappingEnabled(req, answer) {
		return Response{Body: answer.Msg}, nil
	}

	ts := answer.TS
	if ts == "" {
		ts = r.deps.Clock.Now().UTC().Format(time.RFC3339)
	}
	var mapped json.RawMessage
	if req.IID == iidGetAll || req.IID == iidGetHistorical {
		mapped, err = r.deps.Mapper.RenderArray(ctx, req.OID, req.IID, answer.Msg, ts)
	} else {
		mapped, err = r.deps.Mapper.Render(ctx, req.OID, req.IID, mapping.ValueString(answer.Msg), ts)
	}
	if err != nil {
		return Response{}, err
	}
	return Response{Body: mapped, Mapped: true}, nil
}

// mappingEnabled applies the precedence request override, then adapter
// preference, then configuration. Events and nodes without the semantic
// layer are never mapped.
func (r *Router) mappingEnabled(req Request, answer *ProxyResponse) bool {
	if !r.wotEnabled || req.Interaction == InteractionEvent || r.deps.Mapper == nil {
		return false
	}
	switch {
	case req.MappingOverride != nil:
		return *req.MappingOverride
	case answer.MappingEnabled != nil:
		return *answer.MappingEnabled
	default:
		return r.cfg.UseMapping
	}
}
