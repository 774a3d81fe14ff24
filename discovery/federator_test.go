package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuroralH2020/auroral-node-agent/config"
	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/registry"
	"github.com/AuroralH2020/auroral-node-agent/tdcache"
	fakes "github.com/AuroralH2020/auroral-node-agent/testutil"
)

const gatewayID = "gtw-self"

type fixture struct {
	f     *Federator
	reg   *fakes.FakeRegistry
	sem   *fakes.FakeSemantic
	cache *tdcache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, _ := fakes.NewKV(t)
	fx := &fixture{
		reg:   fakes.NewFakeRegistry(),
		sem:   fakes.NewFakeSemantic(),
		cache: tdcache.New(kv, config.CacheConfig{LocalTDTTL: time.Hour, RemoteTDTTL: time.Minute}, nil, nil),
	}
	cfg := config.DiscoveryConfig{FederationURL: "http://auroral-agent:4000/api/discovery/remote/semantic/{agid}"}
	fx.f = NewFederator(gatewayID, fx.reg, fx.sem, fx.cache, nil, cfg, nil, nil)
	return fx
}

// peerAnswer wraps payload the way the registry relays a peer response.
func peerAnswer(t *testing.T, wrapper any) *registry.Response {
	t.Helper()
	raw, err := json.Marshal([]any{map[string]any{"message": map[string]any{"wrapper": wrapper}}})
	require.NoError(t, err)
	return &registry.Response{StatusCode: 200, Message: raw}
}

func TestLocalDiscovery(t *testing.T) {
	fx := newFixture(t)
	fx.reg.SetRemote("oid-2", "oid-1")

	oids, err := fx.f.LocalDiscovery(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"oid-1", "oid-2"}, oids)

	fx.reg.DiscoverFunc = func(context.Context, string) ([]string, error) { return nil, fakes.ErrUnavailable }
	_, err = fx.f.LocalDiscovery(context.Background(), "")
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))
}

func TestRemoteQuery(t *testing.T) {
	fx := newFixture(t)
	var sent registry.RemoteParams
	fx.reg.RemoteFunc = func(_ context.Context, _ string, p registry.RemoteParams) (*registry.Response, error) {
		sent = p
		return peerAnswer(t, map[string]any{"message": map[string]any{"results": map[string]any{"bindings": []any{1}}}}), nil
	}

	out, err := fx.f.RemoteQuery(context.Background(), "agent-b", "SELECT * WHERE { ?s ?p ?o }")
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":{"bindings":[1]}}`, string(out))
	assert.Equal(t, gatewayID, sent.OriginID)
	assert.Equal(t, "SELECT * WHERE { ?s ?p ?o }", sent.Query)
}

func TestRemoteQuery_UnreachablePeerYieldsEmptyResult(t *testing.T) {
	tests := map[string]func(context.Context, string, registry.RemoteParams) (*registry.Response, error){
		"transport": func(context.Context, string, registry.RemoteParams) (*registry.Response, error) {
			return nil, fakes.ErrUnavailable
		},
		"gateway error": func(context.Context, string, registry.RemoteParams) (*registry.Response, error) {
			return &registry.Response{Error: true, StatusCode: 404, StatusCodeReason: "Not Found"}, nil
		},
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t)
			fx.reg.RemoteFunc = fn
			out, err := fx.f.RemoteQuery(context.Background(), "agent-b", "SELECT * WHERE { ?s ?p ?o }")
			require.NoError(t, err)
			assert.JSONEq(t, `{"head":{"vars":["sub","pred","obj"]},"results":{"bindings":[]}}`, string(out))
		})
	}
}

func TestRemoteQuery_UndecodableAnswer(t *testing.T) {
	fx := newFixture(t)
	fx.reg.RemoteFunc = func(context.Context, string, registry.RemoteParams) (*registry.Response, error) {
		return &registry.Response{StatusCode: 200, Message: json.RawMessage(`{"unexpected":true}`)}, nil
	}
	_, err := fx.f.RemoteQuery(context.Background(), "agent-b", "SELECT * WHERE { ?s ?p ?o }")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestFederatedQuery(t *testing.T) {
	fx := newFixture(t)
	var urls []string
	fx.sem.FederatedFunc = func(_ context.Context, _ string, u []string) (json.RawMessage, error) {
		urls = u
		return json.RawMessage(`{"merged":true}`), nil
	}

	out, err := fx.f.FederatedQuery(context.Background(), "SELECT * WHERE { ?s ?p ?o }", []string{"a1", "a2"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"merged":true}`, string(out))
	assert.Equal(t, []string{
		"http://auroral-agent:4000/api/discovery/remote/semantic/a1",
		"http://auroral-agent:4000/api/discovery/remote/semantic/a2",
	}, urls)

	fx.sem.FederatedFunc = func(context.Context, string, []string) (json.RawMessage, error) {
		return nil, fmt.Errorf("semantic service down")
	}
	out, err = fx.f.FederatedQuery(context.Background(), "SELECT * WHERE { ?s ?p ?o }", []string{"a1"})
	require.NoError(t, err)
	assert.JSONEq(t, string(EmptyResult), string(out))

	_, err = fx.f.FederatedQuery(context.Background(), "SELECT * WHERE { ?s ?p ?o }", nil)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestFederatedQueryCommunityAndOrganisation(t *testing.T) {
	fx := newFixture(t)
	fx.reg.NodesFunc = func(_ context.Context, scope, id string) ([]registry.Node, error) {
		if scope == "community" && id == "empty" {
			return nil, nil
		}
		return []registry.Node{{AGID: scope + "-" + id}}, nil
	}
	var urls []string
	fx.sem.FederatedFunc = func(_ context.Context, _ string, u []string) (json.RawMessage, error) {
		urls = u
		return json.RawMessage(`{}`), nil
	}
	ctx := context.Background()

	_, err := fx.f.FederatedQueryCommunity(ctx, "SELECT * WHERE { ?s ?p ?o }", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://auroral-agent:4000/api/discovery/remote/semantic/community-c1"}, urls)

	_, err = fx.f.FederatedQueryOrganisation(ctx, "SELECT * WHERE { ?s ?p ?o }", "org")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://auroral-agent:4000/api/discovery/remote/semantic/organisation-org"}, urls)

	_, err = fx.f.FederatedQueryCommunity(ctx, "SELECT * WHERE { ?s ?p ?o }", "empty")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestAnswerQuery(t *testing.T) {
	fx := newFixture(t)
	var got []string
	fx.sem.SearchFunc = func(_ context.Context, q string) (json.RawMessage, error) {
		got = append(got, q)
		return json.RawMessage(`{"ok":true}`), nil
	}
	ctx := context.Background()
	query := "SELECT * WHERE { ?s ?p ?o }"

	_, err := fx.f.AnswerQuery(ctx, "someone-else", Permission{Relationship: RelationshipSelf}, query)
	assert.ErrorIs(t, err, errs.ErrWrongTarget)

	_, err = fx.f.AnswerQuery(ctx, gatewayID, Permission{Relationship: RelationshipSelf}, query)
	require.NoError(t, err)

	_, err = fx.f.AnswerQuery(ctx, gatewayID, Permission{Relationship: RelationshipPartner, Items: []string{"i1"}}, query)
	require.NoError(t, err)

	_, err = fx.f.AnswerQuery(ctx, gatewayID, Permission{Relationship: RelationshipOther}, query)
	assert.ErrorIs(t, err, errs.ErrNoVisibleItems)

	require.Len(t, got, 2)
	assert.Equal(t, query, got[0])
	assert.Contains(t, got[1], "FILTER ( $g IN ( <graph:i1> ))")
}

func TestAnswerDescription(t *testing.T) {
	fx := newFixture(t)
	fx.sem.PutDescription("oid-1", `{"id":"oid-1"}`)
	ctx := context.Background()

	td, err := fx.f.AnswerDescription(ctx, "oid-1", Permission{Relationship: RelationshipSelf})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"oid-1"}`, string(td))

	td, err = fx.f.AnswerDescription(ctx, "oid-1", Permission{Relationship: RelationshipOther, Items: []string{"oid-1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"oid-1"}`, string(td))

	td, err = fx.f.AnswerDescription(ctx, "oid-1", Permission{Relationship: RelationshipOther, Items: []string{"oid-2"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(td))
	assert.Equal(t, 2, fx.sem.CallCount("RetrieveDescription"))
}

func TestDiscoverDescriptions_AllCachedSkipsRemote(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.cache.Put(ctx, "r1", json.RawMessage(`{"id":"r1"}`), true))
	require.NoError(t, fx.cache.Put(ctx, "r2", json.RawMessage(`{"id":"r2"}`), true))

	out, err := fx.f.DiscoverDescriptions(ctx, "agent-b", []string{"r2", "r1"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "r2", out[0].OID)
	assert.True(t, out[0].Success)
	assert.Zero(t, fx.reg.CallCount("DiscoverRemote"))
}

func TestDiscoverDescriptions_OneBatchAndWriteBack(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.cache.Put(ctx, "r1", json.RawMessage(`{"id":"r1"}`), true))

	var asked [][]string
	fx.reg.RemoteFunc = func(_ context.Context, _ string, p registry.RemoteParams) (*registry.Response, error) {
		asked = append(asked, p.OIDs)
		return peerAnswer(t, []registry.RemoteDescription{
			{OID: "r1", Success: true, TD: json.RawMessage(`{"id":"r1"}`)},
			{OID: "r2", Success: true, TD: json.RawMessage(`{"id":"r2"}`)},
			{OID: "r3", Success: false, Error: "not visible"},
		}), nil
	}

	out, err := fx.f.DiscoverDescriptions(ctx, "agent-b", []string{"r1", "r2", "r3"})
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Equal(t, [][]string{{"r1", "r2", "r3"}}, asked)

	td, ok, err := fx.cache.Get(ctx, "r2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":"r2"}`, string(td))
	_, ok, err = fx.cache.Get(ctx, "r3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiscoverDescriptions_Failures(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.f.DiscoverDescriptions(ctx, "agent-b", nil)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	fx.reg.RemoteFunc = func(context.Context, string, registry.RemoteParams) (*registry.Response, error) {
		return &registry.Response{Error: true, StatusCode: 502}, nil
	}
	_, err = fx.f.DiscoverDescriptions(ctx, "agent-b", []string{"r1"})
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))
}
