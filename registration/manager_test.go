package registration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/pkg/scheduler"
	"github.com/AuroralH2020/auroral-node-agent/registry"
	fakes "github.com/AuroralH2020/auroral-node-agent/testutil"
)

type fakeSessions struct {
	mu        sync.Mutex
	refreshed [][]string
	loggedOut []string
}

func (f *fakeSessions) Refresh(_ context.Context, oids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, append([]string(nil), oids...))
}

func (f *fakeSessions) Logout(_ context.Context, oid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = append(f.loggedOut, oid)
	return nil
}

type fakeMappings struct {
	mu      sync.Mutex
	loaded  []string
	removed []string
}

func (f *fakeMappings) LoadAll(_ context.Context, oids []string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = append(f.loaded, oids...)
	return 0
}

func (f *fakeMappings) Remove(_ context.Context, oid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, oid)
	return nil
}

type fakeDescriptions struct {
	mu      sync.Mutex
	evicted []string
}

func (f *fakeDescriptions) Delete(_ context.Context, oid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, oid)
	return nil
}

type managerFixture struct {
	m        *Manager
	reg      *fakes.FakeRegistry
	store    *Store
	flaky    *fakes.FlakyStore
	sessions *fakeSessions
	mappings *fakeMappings
	descs    *fakeDescriptions
	semantic *fakes.FakeSemantic
	clock    clockwork.FakeClock
	sched    *scheduler.Scheduler
}

func newManagerFixture(t *testing.T, semantic bool) *managerFixture {
	t.Helper()
	kv, _ := fakes.NewKV(t)
	f := &managerFixture{
		reg:      fakes.NewFakeRegistry(),
		flaky:    fakes.NewFlakyStore(kv),
		sessions: &fakeSessions{},
		mappings: &fakeMappings{},
		descs:    &fakeDescriptions{},
		semantic: fakes.NewFakeSemantic(),
		clock:    clockwork.NewFakeClock(),
	}
	f.store = NewStore(f.flaky, nil)
	f.sched = scheduler.New(f.clock, nil)
	t.Cleanup(func() { _ = f.sched.Stop(context.Background()) })

	m, err := NewManager(Dependencies{
		Registry:     f.reg,
		Store:        f.store,
		Sessions:     f.sessions,
		Mappings:     f.mappings,
		Descriptions: f.descs,
		Semantic:     f.semantic,
		Scheduler:    f.sched,
	}, Options{
		GatewayID:             "gtw-1",
		SemanticEnabled:       semantic,
		PostRegistrationDelay: 5 * time.Second,
		RemovalAttempts:       3,
		RemovalRetryDelay:     time.Second,
	}, nil)
	require.NoError(t, err)
	f.m = m
	return f
}

func item(adapterID string) registry.Item {
	return registry.Item{AdapterID: adapterID, Name: "Item " + adapterID, Type: "core:Device",
		Properties: []string{"temperature"}}
}

func TestRegisterObjects_StoresAndSchedulesLogin(t *testing.T) {
	f := newManagerFixture(t, true)
	ctx := context.Background()

	res, err := f.m.RegisterObjects(ctx, []registry.Item{item("a"), item("b")})
	require.NoError(t, err)
	require.Len(t, res.Registrations, 2)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "oid-a", res.Registrations[0].OID)
	assert.Equal(t, 1, f.reg.CallCount("PostRegistrations"))

	token, err := f.store.Credentials(ctx, "oid-b")
	require.NoError(t, err)
	assert.Equal(t, Token("oid-b", "pw-b"), token)

	assert.Empty(t, f.sessions.refreshed, "login waits for the post-registration delay")
	f.clock.Advance(5 * time.Second)
	f.sched.Wait()
	assert.Equal(t, [][]string{{"oid-a", "oid-b"}}, f.sessions.refreshed)
	assert.Equal(t, []string{"oid-a", "oid-b"}, f.mappings.loaded)
}

func TestRegisterObjects_RejectsBeforeCallingRegistry(t *testing.T) {
	f := newManagerFixture(t, false)
	ctx := context.Background()
	_, err := f.m.RegisterObjects(ctx, []registry.Item{item("a")})
	require.NoError(t, err)

	invalid := item("c")
	invalid.Name = ""
	res, err := f.m.RegisterObjects(ctx, []registry.Item{item("a"), invalid, item("d"), item("d")})
	require.NoError(t, err)

	require.Len(t, res.Registrations, 1)
	assert.Equal(t, "oid-d", res.Registrations[0].OID)
	require.Len(t, res.Errors, 3)
	kinds := map[string][]errs.Kind{}
	for _, e := range res.Errors {
		kinds[e.AdapterID] = append(kinds[e.AdapterID], e.Kind)
	}
	assert.Equal(t, []errs.Kind{errs.KindConflict}, kinds["a"])
	assert.Equal(t, []errs.Kind{errs.KindValidation}, kinds["c"])
	assert.Equal(t, []errs.Kind{errs.KindConflict}, kinds["d"])

	calls := f.reg.Calls("PostRegistrations")
	require.Len(t, calls, 2)
	sent := calls[1].Args[1].([]registry.Item)
	require.Len(t, sent, 1)
	assert.Equal(t, "d", sent[0].AdapterID)
}

func TestRegisterObjects_AllRejectedSkipsRegistry(t *testing.T) {
	f := newManagerFixture(t, false)
	bad := item("a")
	bad.Type = ""

	res, err := f.m.RegisterObjects(context.Background(), []registry.Item{bad})
	require.NoError(t, err)
	assert.Len(t, res.Errors, 1)
	assert.Zero(t, f.reg.CallCount("PostRegistrations"))
}

func TestRegisterObjects_LocalFailureRevertsOnce(t *testing.T) {
	f := newManagerFixture(t, false)
	f.flaky.FailWrites("oid-b", -1)
	ctx := context.Background()

	res, err := f.m.RegisterObjects(ctx, []registry.Item{item("a"), item("b"), item("c")})
	require.NoError(t, err)
	assert.Len(t, res.Registrations, 2)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "oid-b", res.Errors[0].OID)
	assert.Equal(t, msgStoreFailed, res.Errors[0].Error)

	calls := f.reg.Calls("RemoveRegistrations")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"oid-b"}, calls[0].Args[1])

	remote, err := f.reg.GetRegistrations(ctx, "gtw-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"oid-a", "oid-c"}, remote)
	local, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"oid-a", "oid-c"}, local)
}

func TestRegisterObjects_PartialRemoteFailure(t *testing.T) {
	f := newManagerFixture(t, false)
	f.reg.PostFunc = func(_ context.Context, _ string, items []registry.Item) ([]registry.RegistrationResult, error) {
		pw := "pw"
		// Answers out of order, one failed, one missing.
		return []registry.RegistrationResult{
			{AdapterID: "c", Error: "quota exceeded"},
			{OID: "oid-a", AdapterID: "a", Password: &pw},
		}, nil
	}

	res, err := f.m.RegisterObjects(context.Background(), []registry.Item{item("a"), item("b"), item("c")})
	require.NoError(t, err)
	require.Len(t, res.Registrations, 1)
	assert.Equal(t, "oid-a", res.Registrations[0].OID)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "b", res.Errors[0].AdapterID)
	assert.Equal(t, msgNoResult, res.Errors[0].Error)
	assert.Equal(t, "c", res.Errors[1].AdapterID)
	assert.Contains(t, res.Errors[1].Error, "quota exceeded")
	assert.Zero(t, f.reg.CallCount("RemoveRegistrations"))
}

func TestRegisterObjects_BatchFailureRevertsDescriptions(t *testing.T) {
	f := newManagerFixture(t, true)
	f.reg.PostFunc = func(context.Context, string, []registry.Item) ([]registry.RegistrationResult, error) {
		return nil, fakes.ErrUnavailable
	}
	withOID := item("a")
	withOID.OID = "oid-pre"

	_, err := f.m.RegisterObjects(context.Background(), []registry.Item{withOID, item("b")})
	require.Error(t, err)
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))
	assert.Equal(t, 1, f.semantic.CallCount("DeleteDescription"))
	count, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRegisterObjects_ResultCoversEveryItem(t *testing.T) {
	f := newManagerFixture(t, false)
	f.flaky.FailWrites("oid-e", -1)
	f.reg.PostFunc = func(_ context.Context, _ string, items []registry.Item) ([]registry.RegistrationResult, error) {
		var out []registry.RegistrationResult
		for i, it := range items {
			if i%3 == 1 {
				out = append(out, registry.RegistrationResult{AdapterID: it.AdapterID, Error: "rejected"})
				continue
			}
			pw := "pw"
			out = append(out, registry.RegistrationResult{OID: "oid-" + it.AdapterID, AdapterID: it.AdapterID, Password: &pw})
		}
		return out, nil
	}
	bad := item("x")
	bad.Name = ""
	items := []registry.Item{item("a"), item("b"), item("c"), bad, item("d"), item("e"), item("a")}

	res, err := f.m.RegisterObjects(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, len(items), len(res.Registrations)+len(res.Errors))
}

func TestUpdateObjects(t *testing.T) {
	f := newManagerFixture(t, false)
	ctx := context.Background()
	_, err := f.m.RegisterObjects(ctx, []registry.Item{item("a"), item("b")})
	require.NoError(t, err)
	f.clock.Advance(5 * time.Second)
	f.sched.Wait()

	renamed := item("a")
	renamed.OID = "oid-a"
	renamed.Name = "Renamed"
	moved := item("other")
	moved.OID = "oid-b"
	unknown := item("z")
	unknown.OID = "oid-z"

	res, err := f.m.UpdateObjects(ctx, []registry.Item{renamed, moved, unknown})
	require.NoError(t, err)
	assert.Equal(t, []Updated{{OID: "oid-a", Success: true}}, res.Updates)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, errs.KindConflict, res.Errors[0].Kind)
	assert.Equal(t, errs.KindNotFound, res.Errors[1].Kind)

	view, err := f.store.Get(ctx, "oid-a")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", view.Name)

	f.clock.Advance(5 * time.Second)
	f.sched.Wait()
	assert.Equal(t, []string{"oid-a"}, f.sessions.refreshed[len(f.sessions.refreshed)-1])
}

func TestUpdateObjects_RemoteRejection(t *testing.T) {
	f := newManagerFixture(t, false)
	ctx := context.Background()
	_, err := f.m.RegisterObjects(ctx, []registry.Item{item("a")})
	require.NoError(t, err)
	f.reg.UpdateFunc = func(context.Context, string, []registry.Item) ([]registry.UpdateResult, error) {
		return []registry.UpdateResult{{OID: "oid-a", Error: true, Message: "nope"}}, nil
	}
	upd := item("a")
	upd.OID = "oid-a"
	upd.Name = "Renamed"

	res, err := f.m.UpdateObjects(ctx, []registry.Item{upd})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, msgUpdateRemote, res.Errors[0].Error)
	view, err := f.store.Get(ctx, "oid-a")
	require.NoError(t, err)
	assert.Equal(t, "Item a", view.Name)
}

func TestRemoveObjects(t *testing.T) {
	f := newManagerFixture(t, true)
	ctx := context.Background()
	_, err := f.m.RegisterObjects(ctx, []registry.Item{item("a"), item("b")})
	require.NoError(t, err)

	res, err := f.m.RemoveObjects(ctx, []string{"oid-a", "oid-unknown"})
	require.NoError(t, err)
	assert.Equal(t, []string{"oid-a"}, res.Removed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, errs.KindNotFound, res.Errors[0].Kind)

	calls := f.reg.Calls("RemoveRegistrations")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"oid-a"}, calls[0].Args[1])
	assert.Equal(t, []string{"oid-a"}, f.sessions.loggedOut)
	assert.Equal(t, []string{"oid-a"}, f.mappings.removed)
	assert.Equal(t, 1, f.semantic.CallCount("DeleteDescription"))

	local, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"oid-b"}, local)
}

func TestRemoveObjects_RegistryDownKeepsLocal(t *testing.T) {
	f := newManagerFixture(t, false)
	ctx := context.Background()
	_, err := f.m.RegisterObjects(ctx, []registry.Item{item("a")})
	require.NoError(t, err)
	f.reg.RemoveFunc = func(context.Context, string, []string) ([]registry.RemovalResult, error) {
		return nil, fakes.ErrUnavailable
	}

	_, err = f.m.RemoveObjects(ctx, []string{"oid-a"})
	require.Error(t, err)
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))
	exists, err := f.store.Exists(ctx, "oid-a")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Empty(t, f.sessions.loggedOut)
}

func TestRemoveObjects_LocalFailureBecomesPendingAndRetries(t *testing.T) {
	f := newManagerFixture(t, false)
	ctx := context.Background()
	_, err := f.m.RegisterObjects(ctx, []registry.Item{item("a")})
	require.NoError(t, err)
	f.clock.Advance(5 * time.Second)
	f.sched.Wait()

	f.flaky.FailWrites("oid-a", 1)
	res, err := f.m.RemoveObjects(ctx, []string{"oid-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"oid-a"}, res.Pending)
	assert.Empty(t, res.Removed)

	pending, err := f.store.PendingRemovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"oid-a"}, pending)

	f.clock.Advance(time.Second)
	f.sched.Wait()

	pending, err = f.store.PendingRemovals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	exists, err := f.store.Exists(ctx, "oid-a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRetryPendingRemovals_ReportsRemaining(t *testing.T) {
	f := newManagerFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.store.Add(ctx, sampleRegistration("oid-1", "thermo-1")))
	require.NoError(t, f.store.Add(ctx, sampleRegistration("oid-2", "thermo-2")))
	require.NoError(t, f.store.MarkRemovalPending(ctx, "oid-1", "oid-2"))
	f.flaky.FailWrites("oid-2", -1)

	remaining, err := f.m.RetryPendingRemovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"oid-2"}, remaining)
	exists, err := f.store.Exists(ctx, "oid-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRetryPendingRemovals_DropsMappingsAndDescriptions(t *testing.T) {
	f := newManagerFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.store.Add(ctx, sampleRegistration("oid-1", "thermo-1")))
	require.NoError(t, f.store.MarkRemovalPending(ctx, "oid-1"))
	f.semantic.PutDescription("oid-1", `{"id":"oid-1"}`)

	remaining, err := f.m.RetryPendingRemovals(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Equal(t, []string{"oid-1"}, f.mappings.removed)
	assert.Equal(t, []string{"oid-1"}, f.descs.evicted)
	assert.Equal(t, 1, f.semantic.CallCount("DeleteDescription"))
	assert.Empty(t, f.sessions.loggedOut)
	exists, err := f.store.Exists(ctx, "oid-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAudit(t *testing.T) {
	f := newManagerFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.store.Add(ctx, sampleRegistration("oid-1", "thermo-1")))
	require.NoError(t, f.store.Add(ctx, sampleRegistration("oid-2", "thermo-2")))
	f.reg.SetRemote("oid-2", "oid-3")

	r, err := f.m.Audit(ctx)
	require.NoError(t, err)
	assert.False(t, r.Matched)
	assert.Equal(t, []string{"oid-1"}, r.NotInCloud)
	assert.Equal(t, []string{"oid-3"}, r.NotInLocal)

	f.reg.RegistrationsErr = errors.New("boom")
	_, err = f.m.Audit(ctx)
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))
}
