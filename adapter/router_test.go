package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuroralH2020/auroral-node-agent/config"
	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/metric"
	fakes "github.com/AuroralH2020/auroral-node-agent/testutil"
	"github.com/AuroralH2020/auroral-node-agent/wot"
)

// registrations maps an OID to its declared properties.
type registrations map[string][]string

func (r registrations) Exists(_ context.Context, oid string) (bool, error) {
	_, ok := r[oid]
	return ok, nil
}

func (r registrations) HasInteraction(_ context.Context, oid, iid string) (bool, error) {
	for _, p := range r[oid] {
		if p == iid {
			return true, nil
		}
	}
	return false, nil
}

type stubProxy struct {
	mu     sync.Mutex
	answer *ProxyResponse
	err    error
	sent   []Request
}

func (p *stubProxy) Send(_ context.Context, req Request) (*ProxyResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, req)
	return p.answer, p.err
}

type renderCall struct {
	oid, iid, value, ts string
	array               bool
}

type stubMapper struct {
	calls []renderCall
}

func (m *stubMapper) Render(_ context.Context, oid, iid, value, ts string) (json.RawMessage, error) {
	m.calls = append(m.calls, renderCall{oid: oid, iid: iid, value: value, ts: ts})
	return json.RawMessage(`{"mapped":true}`), nil
}

func (m *stubMapper) RenderArray(_ context.Context, oid, iid string, payload json.RawMessage, ts string) (json.RawMessage, error) {
	m.calls = append(m.calls, renderCall{oid: oid, iid: iid, value: string(payload), ts: ts, array: true})
	return json.RawMessage(`[{"mapped":true}]`), nil
}

var local = registrations{"oid-1": {"temperature", "getAll"}}

func boolPtr(b bool) *bool { return &b }

func newRouter(mode string, deps Dependencies, useMapping, wotEnabled bool) *Router {
	if deps.Registrations == nil {
		deps.Registrations = local
	}
	cfg := config.AdapterConfig{Mode: mode, UseMapping: useMapping}
	return NewRouter(deps, cfg, wotEnabled, nil)
}

func get(iid string) Request {
	return Request{OID: "oid-1", IID: iid, Method: http.MethodGet, Interaction: InteractionProperty}
}

func TestRoute_MissingParameters(t *testing.T) {
	proxy := &stubProxy{}
	r := newRouter(config.ModeProxy, Dependencies{Proxy: proxy}, false, false)

	for _, req := range []Request{
		{OID: "oid-1", Method: http.MethodGet, Interaction: InteractionProperty},
		{OID: "oid-1", IID: "temperature", Interaction: InteractionProperty},
	} {
		resp, err := r.Route(context.Background(), req)
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrMissingParameters)
		assert.JSONEq(t, `{"success":false,"message":"Missing parameters"}`, string(resp.Body))
	}
	assert.Empty(t, proxy.sent)
}

func TestRoute_UnknownInteractionIsNotFound(t *testing.T) {
	r := newRouter(config.ModeDummy, Dependencies{}, false, false)

	_, err := r.Route(context.Background(), get("pressure"))
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	req := get("temperature")
	req.OID = "oid-404"
	_, err = r.Route(context.Background(), req)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestRoute_Dummy(t *testing.T) {
	r := newRouter(config.ModeDummy, Dependencies{}, false, false)

	resp, err := r.Route(context.Background(), get("temperature"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"value":100,"object":"oid-1","interaction":"temperature"}`, string(resp.Body))

	resp, err = r.Route(context.Background(), Request{
		OID: "oid-1", IID: "alarm", Method: http.MethodPut, Interaction: InteractionEvent,
		Body: json.RawMessage(`{"level":3}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(resp.Body))
}

func TestRoute_SemanticPassesThrough(t *testing.T) {
	sem := fakes.NewFakeSemantic()
	var got wot.InteractionRequest
	sem.InteractFunc = func(_ context.Context, req wot.InteractionRequest) (json.RawMessage, error) {
		got = req
		return json.RawMessage(`{"raw":1}`), nil
	}
	mapper := &stubMapper{}
	r := newRouter(config.ModeSemantic, Dependencies{Semantic: sem, Mapper: mapper}, true, true)

	req := get("temperature")
	req.SourceOID = "remote-oid"
	resp, err := r.Route(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw":1}`, string(resp.Body))
	assert.False(t, resp.Mapped)
	assert.Empty(t, mapper.calls)
	assert.Equal(t, "remote-oid", got.SourceOID)
	assert.Equal(t, wot.InteractionProperty, got.Interaction)
}

func TestRoute_ProxyMappingPrecedence(t *testing.T) {
	tests := []struct {
		name        string
		config      bool
		wotEnabled  bool
		adapterPref *bool
		override    *bool
		interaction string
		wantMapped  bool
	}{
		{name: "config on", config: true, wotEnabled: true, wantMapped: true},
		{name: "config off", config: false, wotEnabled: true, wantMapped: false},
		{name: "adapter beats config", config: false, wotEnabled: true, adapterPref: boolPtr(true), wantMapped: true},
		{name: "request beats adapter", config: true, wotEnabled: true, adapterPref: boolPtr(true), override: boolPtr(false), wantMapped: false},
		{name: "request enables", config: false, wotEnabled: true, override: boolPtr(true), wantMapped: true},
		{name: "wot disabled", config: true, wotEnabled: false, override: boolPtr(true), wantMapped: false},
		{name: "events never mapped", config: true, wotEnabled: true, override: boolPtr(true), interaction: InteractionEvent, wantMapped: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxy := &stubProxy{answer: &ProxyResponse{Msg: json.RawMessage(`21.5`), TS: "2024-01-01T00:00:00Z",
				MappingEnabled: tt.adapterPref}}
			mapper := &stubMapper{}
			r := newRouter(config.ModeProxy, Dependencies{Proxy: proxy, Mapper: mapper}, tt.config, tt.wotEnabled)

			req := get("temperature")
			req.MappingOverride = tt.override
			if tt.interaction != "" {
				req.Interaction = tt.interaction
			}
			resp, err := r.Route(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMapped, resp.Mapped)
			if tt.wantMapped {
				require.Len(t, mapper.calls, 1)
				assert.Equal(t, renderCall{oid: "oid-1", iid: "temperature", value: "21.5", ts: "2024-01-01T00:00:00Z"},
					mapper.calls[0])
			} else {
				assert.Empty(t, mapper.calls)
				assert.Equal(t, "21.5", string(resp.Body))
			}
		})
	}
}

func TestRoute_ProxyArrayAndDefaultTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	proxy := &stubProxy{answer: &ProxyResponse{Msg: json.RawMessage(`[1,2]`)}}
	mapper := &stubMapper{}
	r := newRouter(config.ModeProxy, Dependencies{Proxy: proxy, Mapper: mapper, Clock: clock}, true, true)

	resp, err := r.Route(context.Background(), get("getAll"))
	require.NoError(t, err)
	assert.True(t, resp.Mapped)
	require.Len(t, mapper.calls, 1)
	assert.True(t, mapper.calls[0].array)
	assert.Equal(t, "2024-03-01T12:00:00Z", mapper.calls[0].ts)
}

func TestRoute_ProxyFailureAndMetrics(t *testing.T) {
	m := metric.NewMetricsRegistry().CoreMetrics()
	proxy := &stubProxy{err: errs.Upstream(errs.ErrPeerUnavailable, "test", "Send", "reach adapter")}
	r := newRouter(config.ModeProxy, Dependencies{Proxy: proxy, Metrics: m}, false, false)

	_, err := r.Route(context.Background(), get("temperature"))
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))

	proxy.err = nil
	proxy.answer = &ProxyResponse{Msg: json.RawMessage(`1`)}
	_, err = r.Route(context.Background(), get("temperature"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.AdapterRequests.WithLabelValues(config.ModeProxy, InteractionProperty, "upstream-unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.AdapterRequests.WithLabelValues(config.ModeProxy, InteractionProperty, "success")))
}
