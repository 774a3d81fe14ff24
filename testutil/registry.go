package testutil

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"sync"

	"github.com/AuroralH2020/auroral-node-agent/registry"
)

// Call is one recorded invocation on a fake.
type Call struct {
	Method string
	Args   []any
}

type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
	r.mu.Unlock()
}

// Calls returns the recorded invocations of method, oldest first.
func (r *recorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how often method was invoked.
func (r *recorder) CallCount(method string) int {
	return len(r.Calls(method))
}

// FakeRegistry is an in-memory registry.Client. Unset function fields fall
// back to an always-succeeding platform that assigns "oid-<adapterId>".
type FakeRegistry struct {
	recorder

	LoginFunc        func(ctx context.Context, oid string) error
	LogoutFunc       func(ctx context.Context, oid string) error
	PostFunc         func(ctx context.Context, agid string, items []registry.Item) ([]registry.RegistrationResult, error)
	UpdateFunc       func(ctx context.Context, agid string, items []registry.Item) ([]registry.UpdateResult, error)
	RemoveFunc       func(ctx context.Context, agid string, oids []string) ([]registry.RemovalResult, error)
	DiscoverFunc     func(ctx context.Context, id string) ([]string, error)
	RemoteFunc       func(ctx context.Context, agid string, params registry.RemoteParams) (*registry.Response, error)
	NodesFunc        func(ctx context.Context, scope, id string) ([]registry.Node, error)
	ContractFunc     func(ctx context.Context, ctid, oid string) (json.RawMessage, error)
	ConsumeFunc      func(ctx context.Context, op string, args ...string) (*registry.Response, error)
	HealthFunc       func(ctx context.Context) error
	RegistrationsErr error

	state    sync.Mutex
	remote   map[string]struct{}
	agents   map[string]string
	privacy  []registry.ItemPrivacy
	orgItems []string
}

var _ registry.Client = (*FakeRegistry)(nil)

// NewFakeRegistry creates an empty fake platform.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{
		remote: make(map[string]struct{}),
		agents: make(map[string]string),
	}
}

// SetRemote replaces the OIDs the platform believes are registered.
func (f *FakeRegistry) SetRemote(oids ...string) {
	f.state.Lock()
	defer f.state.Unlock()
	f.remote = make(map[string]struct{}, len(oids))
	for _, oid := range oids {
		f.remote[oid] = struct{}{}
	}
}

// SetAgent records the agent owning oid.
func (f *FakeRegistry) SetAgent(oid, agid string) {
	f.state.Lock()
	f.agents[oid] = agid
	f.state.Unlock()
}

// SetPrivacy sets the answer of ItemsPrivacy.
func (f *FakeRegistry) SetPrivacy(items ...registry.ItemPrivacy) {
	f.state.Lock()
	f.privacy = items
	f.state.Unlock()
}

func (f *FakeRegistry) Login(ctx context.Context, oid string) error {
	f.record("Login", oid)
	if f.LoginFunc != nil {
		return f.LoginFunc(ctx, oid)
	}
	return nil
}

func (f *FakeRegistry) Logout(ctx context.Context, oid string) error {
	f.record("Logout", oid)
	if f.LogoutFunc != nil {
		return f.LogoutFunc(ctx, oid)
	}
	return nil
}

func (f *FakeRegistry) PostRegistrations(
	ctx context.Context, agid string, items []registry.Item,
) ([]registry.RegistrationResult, error) {
	f.record("PostRegistrations", agid, items)
	if f.PostFunc != nil {
		return f.PostFunc(ctx, agid, items)
	}
	out := make([]registry.RegistrationResult, 0, len(items))
	f.state.Lock()
	defer f.state.Unlock()
	for _, it := range items {
		oid := it.OID
		if oid == "" {
			oid = "oid-" + it.AdapterID
		}
		pw := "pw-" + it.AdapterID
		f.remote[oid] = struct{}{}
		out = append(out, registry.RegistrationResult{OID: oid, AdapterID: it.AdapterID, Name: it.Name, Password: &pw})
	}
	return out, nil
}

func (f *FakeRegistry) UpdateRegistrations(
	ctx context.Context, agid string, items []registry.Item,
) ([]registry.UpdateResult, error) {
	f.record("UpdateRegistrations", agid, items)
	if f.UpdateFunc != nil {
		return f.UpdateFunc(ctx, agid, items)
	}
	out := make([]registry.UpdateResult, 0, len(items))
	for _, it := range items {
		out = append(out, registry.UpdateResult{OID: it.OID})
	}
	return out, nil
}

func (f *FakeRegistry) RemoveRegistrations(
	ctx context.Context, agid string, oids []string,
) ([]registry.RemovalResult, error) {
	f.record("RemoveRegistrations", agid, oids)
	if f.RemoveFunc != nil {
		return f.RemoveFunc(ctx, agid, oids)
	}
	out := make([]registry.RemovalResult, 0, len(oids))
	f.state.Lock()
	defer f.state.Unlock()
	for _, oid := range oids {
		delete(f.remote, oid)
		out = append(out, registry.RemovalResult{OID: oid, StatusCode: 200})
	}
	return out, nil
}

func (f *FakeRegistry) GetRegistrations(_ context.Context, agid string) ([]string, error) {
	f.record("GetRegistrations", agid)
	if f.RegistrationsErr != nil {
		return nil, f.RegistrationsErr
	}
	return f.remoteOIDs(), nil
}

func (f *FakeRegistry) remoteOIDs() []string {
	f.state.Lock()
	defer f.state.Unlock()
	out := make([]string, 0, len(f.remote))
	for oid := range f.remote {
		out = append(out, oid)
	}
	sort.Strings(out)
	return out
}

func (f *FakeRegistry) Discover(ctx context.Context, id string) ([]string, error) {
	f.record("Discover", id)
	if f.DiscoverFunc != nil {
		return f.DiscoverFunc(ctx, id)
	}
	return f.remoteOIDs(), nil
}

func (f *FakeRegistry) DiscoverRemote(
	ctx context.Context, agid string, params registry.RemoteParams,
) (*registry.Response, error) {
	f.record("DiscoverRemote", agid, params)
	if f.RemoteFunc != nil {
		return f.RemoteFunc(ctx, agid, params)
	}
	return &registry.Response{StatusCode: 200, Message: json.RawMessage(`[]`)}, nil
}

func (f *FakeRegistry) GetAgentByOID(_ context.Context, oid string) (string, error) {
	f.record("GetAgentByOID", oid)
	f.state.Lock()
	defer f.state.Unlock()
	agid, ok := f.agents[oid]
	if !ok {
		return "", errNotRegistered(oid)
	}
	return agid, nil
}

func (f *FakeRegistry) OrganisationNodes(ctx context.Context, cid string) ([]registry.Node, error) {
	f.record("OrganisationNodes", cid)
	if f.NodesFunc != nil {
		return f.NodesFunc(ctx, "organisation", cid)
	}
	return nil, nil
}

func (f *FakeRegistry) CommunityNodes(ctx context.Context, commID string) ([]registry.Node, error) {
	f.record("CommunityNodes", commID)
	if f.NodesFunc != nil {
		return f.NodesFunc(ctx, "community", commID)
	}
	return nil, nil
}

// SetOrganisationItems sets the answer of OrganisationItems.
func (f *FakeRegistry) SetOrganisationItems(oids ...string) {
	f.state.Lock()
	defer f.state.Unlock()
	f.orgItems = append([]string(nil), oids...)
}

func (f *FakeRegistry) OrganisationItems(_ context.Context) ([]string, error) {
	f.record("OrganisationItems")
	f.state.Lock()
	defer f.state.Unlock()
	return append([]string{}, f.orgItems...), nil
}

// ContractItems answers from ContractFunc, or with an empty list.
func (f *FakeRegistry) ContractItems(ctx context.Context, ctid, oid string) (json.RawMessage, error) {
	f.record("ContractItems", ctid, oid)
	if f.ContractFunc != nil {
		return f.ContractFunc(ctx, ctid, oid)
	}
	return json.RawMessage(`[]`), nil
}

func (f *FakeRegistry) ItemsPrivacy(_ context.Context) ([]registry.ItemPrivacy, error) {
	f.record("ItemsPrivacy")
	f.state.Lock()
	defer f.state.Unlock()
	return append([]registry.ItemPrivacy(nil), f.privacy...), nil
}

func (f *FakeRegistry) consume(ctx context.Context, op string, args ...string) (*registry.Response, error) {
	recorded := make([]any, len(args))
	for i, a := range args {
		recorded[i] = a
	}
	f.record(op, recorded...)
	if f.ConsumeFunc != nil {
		return f.ConsumeFunc(ctx, op, args...)
	}
	return &registry.Response{StatusCode: 200, Message: json.RawMessage(`{}`)}, nil
}

func (f *FakeRegistry) GetProperty(ctx context.Context, id, oid, pid string, _ url.Values) (*registry.Response, error) {
	return f.consume(ctx, "GetProperty", id, oid, pid)
}

func (f *FakeRegistry) PutProperty(
	ctx context.Context, id, oid, pid string, body json.RawMessage, _ url.Values,
) (*registry.Response, error) {
	return f.consume(ctx, "PutProperty", id, oid, pid, string(body))
}

func (f *FakeRegistry) EventChannels(ctx context.Context, id, oid string) (*registry.Response, error) {
	return f.consume(ctx, "EventChannels", id, oid)
}

func (f *FakeRegistry) ActivateEventChannel(ctx context.Context, id, eid string) (*registry.Response, error) {
	return f.consume(ctx, "ActivateEventChannel", id, eid)
}

func (f *FakeRegistry) DeactivateEventChannel(ctx context.Context, id, eid string) (*registry.Response, error) {
	return f.consume(ctx, "DeactivateEventChannel", id, eid)
}

func (f *FakeRegistry) PublishEvent(ctx context.Context, id, eid string, body json.RawMessage) (*registry.Response, error) {
	return f.consume(ctx, "PublishEvent", id, eid, string(body))
}

func (f *FakeRegistry) EventChannelStatus(ctx context.Context, id, oid, eid string) (*registry.Response, error) {
	return f.consume(ctx, "EventChannelStatus", id, oid, eid)
}

func (f *FakeRegistry) Subscribe(ctx context.Context, id, oid, eid string) (*registry.Response, error) {
	return f.consume(ctx, "Subscribe", id, oid, eid)
}

func (f *FakeRegistry) Unsubscribe(ctx context.Context, id, oid, eid string) (*registry.Response, error) {
	return f.consume(ctx, "Unsubscribe", id, oid, eid)
}

func (f *FakeRegistry) Health(ctx context.Context) error {
	f.record("Health")
	if f.HealthFunc != nil {
		return f.HealthFunc(ctx)
	}
	return nil
}
