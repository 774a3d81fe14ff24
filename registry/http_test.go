package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuroralH2020/auroral-node-agent/config"
	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

type staticCreds map[string]string

func (s staticCreds) Credentials(_ context.Context, oid string) (string, error) {
	token, ok := s[oid]
	if !ok {
		return "", errs.ErrObjectNotFound
	}
	return token, nil
}

type recorded struct {
	method string
	path   string
	query  url.Values
	auth   string
	body   []byte
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *recorded)) (*HTTPClient, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.Query(), auth: r.Header.Get("Authorization"), body: body}
		calls = append(calls, rec)
		handler(w, &rec)
	}))
	t.Cleanup(srv.Close)

	cfg := config.GatewayConfig{ID: "gtw-1", Password: "pw", URL: srv.URL + "/api", Timeout: time.Second}
	return NewHTTPClient(cfg, staticCreds{"oid-1": BasicToken("oid-1", "secret")}, nil), &calls
}

func envelope(w http.ResponseWriter, status int, message any) {
	raw, _ := json.Marshal(message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Error:      status >= 400,
		StatusCode: status,
		Message:    raw,
	})
}

func TestBasicToken(t *testing.T) {
	// base64("oid:pw")
	assert.Equal(t, "Basic b2lkOnB3", BasicToken("oid", "pw"))
}

func TestHTTPClient_LoginUsesSubjectCredentials(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, _ *recorded) {
		envelope(w, http.StatusOK, []string{})
	})

	require.NoError(t, client.Login(context.Background(), ""))
	require.NoError(t, client.Login(context.Background(), "oid-1"))

	require.Len(t, *calls, 2)
	assert.Equal(t, "/api/objects/login", (*calls)[0].path)
	assert.Equal(t, BasicToken("gtw-1", "pw"), (*calls)[0].auth)
	assert.Equal(t, BasicToken("oid-1", "secret"), (*calls)[1].auth)

	err := client.Login(context.Background(), "unknown")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestHTTPClient_PostRegistrations(t *testing.T) {
	pw := "generated"
	client, calls := newTestClient(t, func(w http.ResponseWriter, _ *recorded) {
		envelope(w, http.StatusOK, []RegistrationResult{
			{OID: "oid-9", AdapterID: "lamp", Name: "Lamp", Password: &pw},
			{AdapterID: "bad", Name: "Bad", Error: "duplicate"},
		})
	})

	results, err := client.PostRegistrations(context.Background(), "gtw-1", []Item{
		{AdapterID: "lamp", Name: "Lamp", Type: "core:Device"},
		{AdapterID: "bad", Name: "Bad", Type: "core:Device"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Succeeded())
	assert.False(t, results[1].Succeeded())

	call := (*calls)[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/api/agents/gtw-1/objects", call.path)
	assert.Contains(t, string(call.body), `"adapterId":"lamp"`)
}

func TestHTTPClient_BatchErrorIsUpstream(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *recorded) {
		envelope(w, http.StatusBadGateway, nil)
	})

	_, err := client.PostRegistrations(context.Background(), "gtw-1", []Item{{AdapterID: "a"}})
	require.Error(t, err)
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))
}

func TestHTTPClient_TransportErrorIsUpstream(t *testing.T) {
	cfg := config.GatewayConfig{ID: "gtw", Password: "pw", URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}
	client := NewHTTPClient(cfg, nil, nil)

	_, err := client.GetRegistrations(context.Background(), "gtw")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRegistryUnavailable)
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))
}

func TestHTTPClient_DiscoverDecodesShapes(t *testing.T) {
	tests := []struct {
		name    string
		message any
	}{
		{"plain list", []string{"a", "b"}},
		{"object list", []map[string]string{{"oid": "a"}, {"oid": "b"}}},
		{"wrapped", map[string]any{"objects": []map[string]string{{"oid": "a"}, {"oid": "b"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, _ *recorded) {
				envelope(w, http.StatusOK, tt.message)
			})
			oids, err := client.Discover(context.Background(), "")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, oids)
		})
	}
}

func TestHTTPClient_PropertyKeepsStatus(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, _ *recorded) {
		envelope(w, http.StatusNotFound, nil)
	})

	resp, err := client.GetProperty(context.Background(), "oid-1", "remote-oid", "temp", url.Values{"unit": {"c"}})
	require.NoError(t, err)
	assert.True(t, resp.Failed())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "/api/objects/remote-oid/properties/temp", (*calls)[0].path)
	assert.Equal(t, "c", (*calls)[0].query.Get("unit"))
}

func TestHTTPClient_GetAgentByOID(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *recorded) {
		envelope(w, http.StatusOK, "agent-42")
	})

	agid, err := client.GetAgentByOID(context.Background(), "remote-oid")
	require.NoError(t, err)
	assert.Equal(t, "agent-42", agid)
}

func TestRemovalResult_Succeeded(t *testing.T) {
	assert.True(t, RemovalResult{OID: "a", StatusCode: 200}.Succeeded())
	assert.True(t, RemovalResult{OID: "a"}.Succeeded())
	assert.False(t, RemovalResult{OID: "a", StatusCode: 500}.Succeeded())
	assert.False(t, RemovalResult{OID: "a", Error: "nope"}.Succeeded())
}
