package registration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/metric"
	"github.com/AuroralH2020/auroral-node-agent/pkg/scheduler"
	"github.com/AuroralH2020/auroral-node-agent/registry"
)

const managerComponent = "registration.Manager"

// Error messages recorded per item.
const (
	msgRemoteFailed    = "Error registering in platform"
	msgNoResult        = "No result returned by platform"
	msgStoreFailed     = "Error storing locally"
	msgUpdateRemote    = "Error updating in platform"
	msgUpdateLocal     = "Error updating locally"
	msgRemoveRemote    = "Error removing from platform"
	msgRemovalDeferred = "Removed from platform, local removal pending"
)

const maxConcurrentWrites = 8

// Sessions is the login side the manager drives after changes.
type Sessions interface {
	Refresh(ctx context.Context, oids []string)
	Logout(ctx context.Context, oid string) error
}

// Mappings loads and drops the templates of an object.
type Mappings interface {
	LoadAll(ctx context.Context, oids []string) int
	Remove(ctx context.Context, oid string) error
}

// DescriptionCache evicts cached descriptions.
type DescriptionCache interface {
	Delete(ctx context.Context, oid string) error
}

// DescriptionRemover deletes descriptions from the semantic service.
type DescriptionRemover interface {
	DeleteDescription(ctx context.Context, oid string) error
}

// Dependencies are the collaborators of a Manager. Mappings, Descriptions and
// Semantic may be nil when the semantic layer is not used.
type Dependencies struct {
	Registry     registry.Registrar
	Store        *Store
	Sessions     Sessions
	Mappings     Mappings
	Descriptions DescriptionCache
	Semantic     DescriptionRemover
	Scheduler    *scheduler.Scheduler
	Metrics      *metric.Metrics
}

// Options tune a Manager.
type Options struct {
	GatewayID             string
	SemanticEnabled       bool
	PostRegistrationDelay time.Duration
	RemovalAttempts       int
	RemovalRetryDelay     time.Duration
}

// ItemError is the failure of one batch item.
type ItemError struct {
	OID       string    `json:"oid,omitempty"`
	AdapterID string    `json:"adapterId,omitempty"`
	Name      string    `json:"name,omitempty"`
	Error     string    `json:"error"`
	Kind      errs.Kind `json:"-"`
}

// RegisterResult lists every submitted item exactly once.
type RegisterResult struct {
	Registrations []registry.RegistrationResult `json:"registrations"`
	Errors        []ItemError                   `json:"errors"`
}

// Updated confirms one updated object.
type Updated struct {
	OID     string `json:"oid"`
	Success bool   `json:"success"`
}

// UpdateResult lists every submitted update exactly once.
type UpdateResult struct {
	Updates []Updated   `json:"updates"`
	Errors  []ItemError `json:"errors"`
}

// RemoveResult lists every submitted OID exactly once. Pending OIDs were
// removed from the platform but their local record is still being removed.
type RemoveResult struct {
	Removed []string    `json:"removed"`
	Pending []string    `json:"pending"`
	Errors  []ItemError `json:"errors"`
}

// Manager keeps the registry and the local store consistent.
type Manager struct {
	deps      Dependencies
	opts      Options
	validator *Validator
	logger    *slog.Logger

	retryMu     sync.Mutex
	retryActive bool
}

// NewManager creates a manager.
func NewManager(deps Dependencies, opts Options, logger *slog.Logger) (*Manager, error) {
	if deps.Registry == nil || deps.Store == nil || deps.Sessions == nil || deps.Scheduler == nil {
		return nil, errs.WrapInvalid(errs.ErrMissingConfig, managerComponent, "NewManager", "check dependencies")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RemovalAttempts <= 0 {
		opts.RemovalAttempts = 5
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	return &Manager{
		deps:      deps,
		opts:      opts,
		validator: validator,
		logger:    logger.With("component", managerComponent),
	}, nil
}

func itemError(it registry.Item, err error, msg string) ItemError {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return ItemError{OID: it.OID, AdapterID: it.AdapterID, Name: it.Name, Error: msg, Kind: errs.KindOf(err)}
}

// screenRegistrations rejects invalid items and adapterIds or OIDs already in
// use, locally or earlier in the same batch.
func (m *Manager) screenRegistrations(ctx context.Context, items []registry.Item) ([]registry.Item, []ItemError) {
	accepted := make([]registry.Item, 0, len(items))
	var rejected []ItemError
	seen := map[string]bool{}

	for _, it := range items {
		if err := m.validator.Registration(it); err != nil {
			rejected = append(rejected, itemError(it, err, ""))
			continue
		}
		if seen[it.AdapterID] {
			err := errs.WrapKind(fmt.Errorf("%w: %s repeated in batch", errs.ErrAdapterIDTaken, it.AdapterID),
				errs.KindConflict, managerComponent, "RegisterObjects", "screen item")
			rejected = append(rejected, itemError(it, err, ""))
			continue
		}
		taken, err := m.deps.Store.AdapterIDExists(ctx, it.AdapterID)
		if err == nil && !taken && it.OID != "" {
			taken, err = m.deps.Store.Exists(ctx, it.OID)
		}
		if err != nil {
			rejected = append(rejected, itemError(it, err, ""))
			continue
		}
		if taken {
			err := errs.WrapKind(fmt.Errorf("%w: %s", errs.ErrAdapterIDTaken, it.AdapterID),
				errs.KindConflict, managerComponent, "RegisterObjects", "screen item")
			rejected = append(rejected, itemError(it, err, ""))
			continue
		}
		seen[it.AdapterID] = true
		accepted = append(accepted, it)
	}
	return accepted, rejected
}

// matchResults pairs every sent item with its registry answer by adapterId,
// then OID, then position. Unanswered items get a nil entry.
func matchResults(items []registry.Item, results []registry.RegistrationResult) []*registry.RegistrationResult {
	used := make([]bool, len(results))
	byAdapter := map[string][]int{}
	byOID := map[string][]int{}
	for i, r := range results {
		if r.AdapterID != "" {
			byAdapter[r.AdapterID] = append(byAdapter[r.AdapterID], i)
		}
		if r.OID != "" {
			byOID[r.OID] = append(byOID[r.OID], i)
		}
	}
	take := func(idx []int) int {
		for _, i := range idx {
			if !used[i] {
				used[i] = true
				return i
			}
		}
		return -1
	}

	out := make([]*registry.RegistrationResult, len(items))
	for i, it := range items {
		j := take(byAdapter[it.AdapterID])
		if j < 0 && it.OID != "" {
			j = take(byOID[it.OID])
		}
		if j < 0 && i < len(results) && !used[i] && results[i].AdapterID == "" {
			used[i] = true
			j = i
		}
		if j >= 0 {
			r := results[j]
			out[i] = &r
		}
	}
	return out
}

// RegisterObjects registers a batch remotely and then locally. The registry
// call is made once; a failure of that call fails the whole batch. Local
// failures are compensated per item by removing the item from the registry.
func (m *Manager) RegisterObjects(ctx context.Context, items []registry.Item) (*RegisterResult, error) {
	if len(items) == 0 {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, managerComponent, "RegisterObjects", "check batch")
	}
	result := &RegisterResult{
		Registrations: []registry.RegistrationResult{},
		Errors:        []ItemError{},
	}

	accepted, rejected := m.screenRegistrations(ctx, items)
	result.Errors = append(result.Errors, rejected...)
	for range rejected {
		m.deps.Metrics.RecordRegistration("register", "rejected")
	}
	if len(accepted) == 0 {
		return result, nil
	}

	results, err := m.deps.Registry.PostRegistrations(ctx, m.opts.GatewayID, accepted)
	if err != nil {
		m.revertDescriptions(ctx, accepted)
		for range accepted {
			m.deps.Metrics.RecordRegistration("register", "failure")
		}
		return nil, errs.Upstream(err, managerComponent, "RegisterObjects", "post registrations")
	}

	matched := matchResults(accepted, results)
	outcomes := make([]*registry.RegistrationResult, len(accepted))
	failures := make([]*ItemError, len(accepted))

	var g errgroup.Group
	g.SetLimit(maxConcurrentWrites)
	for i, it := range accepted {
		res := matched[i]
		switch {
		case res == nil:
			m.logger.Warn("Platform returned no result for item", "adapter_id", it.AdapterID)
			failures[i] = &ItemError{AdapterID: it.AdapterID, Name: it.Name, Error: msgNoResult,
				Kind: errs.KindUpstreamUnavailable}
			continue
		case !res.Succeeded():
			m.logger.Warn("Item could not be registered in platform",
				"adapter_id", it.AdapterID, "oid", res.OID, "error", res.Error)
			msg := msgRemoteFailed
			if res.Error != "" {
				msg = msgRemoteFailed + ": " + res.Error
			}
			failures[i] = &ItemError{OID: res.OID, AdapterID: it.AdapterID, Name: it.Name, Error: msg,
				Kind: errs.KindUpstreamUnavailable}
			continue
		}
		g.Go(func() error {
			if err := m.persist(ctx, it, *res); err != nil {
				failures[i] = &ItemError{OID: res.OID, AdapterID: it.AdapterID, Name: it.Name,
					Error: msgStoreFailed, Kind: errs.KindOf(err)}
				return nil
			}
			sanitized := *res
			sanitized.AdapterID = it.AdapterID
			outcomes[i] = &sanitized
			return nil
		})
	}
	_ = g.Wait()

	var registered []string
	for i := range accepted {
		if outcomes[i] != nil {
			result.Registrations = append(result.Registrations, *outcomes[i])
			registered = append(registered, outcomes[i].OID)
			m.deps.Metrics.RecordRegistration("register", "success")
			continue
		}
		result.Errors = append(result.Errors, *failures[i])
		m.deps.Metrics.RecordRegistration("register", "failure")
	}
	m.refreshCount(ctx)

	if len(registered) > 0 {
		m.schedulePostRegistration("post-registration", registered, m.opts.SemanticEnabled)
	}
	return result, nil
}

// persist stores one remotely registered item. On failure the remote
// registration is reverted with exactly one compensating call.
func (m *Manager) persist(ctx context.Context, it registry.Item, res registry.RegistrationResult) error {
	reg := Registration{
		OID:        res.OID,
		AdapterID:  it.AdapterID,
		Name:       it.Name,
		Type:       it.Type,
		Password:   *res.Password,
		Properties: it.Properties,
		Events:     it.Events,
		Actions:    it.Actions,
		Labels:     it.Labels,
		Groups:     it.Groups,
		Avatar:     it.Avatar,
		Created:    m.deps.Scheduler.Clock().Now(),
	}
	err := m.deps.Store.Add(ctx, reg)
	if err == nil {
		m.logger.Info("Object registered", "oid", res.OID, "adapter_id", it.AdapterID)
		return nil
	}

	m.logger.Error("Object registered in platform but not stored locally, reverting",
		"oid", res.OID, "adapter_id", it.AdapterID, "error", err)
	if _, rerr := m.deps.Registry.RemoveRegistrations(ctx, m.opts.GatewayID, []string{res.OID}); rerr != nil {
		m.logger.Error("Reverting platform registration failed", "oid", res.OID, "error", rerr)
	}
	return err
}

// revertDescriptions drops pre-registered descriptions after a batch failure.
func (m *Manager) revertDescriptions(ctx context.Context, items []registry.Item) {
	if !m.opts.SemanticEnabled || m.deps.Semantic == nil {
		return
	}
	for _, it := range items {
		if it.OID == "" {
			continue
		}
		m.logger.Info("Reverting description registration", "oid", it.OID)
		if err := m.deps.Semantic.DeleteDescription(ctx, it.OID); err != nil {
			m.logger.Error("Reverting description registration failed", "oid", it.OID, "error", err)
		}
	}
}

func (m *Manager) schedulePostRegistration(name string, oids []string, loadMappings bool) {
	m.deps.Scheduler.After(name, m.opts.PostRegistrationDelay, func(ctx context.Context) {
		m.deps.Sessions.Refresh(ctx, oids)
		if loadMappings && m.deps.Mappings != nil {
			if failed := m.deps.Mappings.LoadAll(ctx, oids); failed > 0 {
				m.logger.Warn("Some mappings could not be loaded", "count", failed)
			}
		}
	})
}

func (m *Manager) refreshCount(ctx context.Context) {
	if n, err := m.deps.Store.Count(ctx); err == nil {
		m.deps.Metrics.SetRegisteredItems(n)
	}
}

func (m *Manager) screenUpdates(ctx context.Context, items []registry.Item) ([]registry.Item, []ItemError) {
	accepted := make([]registry.Item, 0, len(items))
	var rejected []ItemError
	seen := map[string]bool{}
	for _, it := range items {
		if err := m.validator.Update(it); err != nil {
			rejected = append(rejected, itemError(it, err, ""))
			continue
		}
		if seen[it.OID] {
			err := errs.WrapInvalid(fmt.Errorf("%w: %s repeated in batch", errs.ErrInvalidData, it.OID),
				managerComponent, "UpdateObjects", "screen item")
			rejected = append(rejected, itemError(it, err, ""))
			continue
		}
		view, err := m.deps.Store.Get(ctx, it.OID)
		if err != nil {
			rejected = append(rejected, itemError(it, err, ""))
			continue
		}
		if view.AdapterID != it.AdapterID {
			err := errs.WrapKind(fmt.Errorf("%w: %s", errs.ErrAdapterIDImmutable, it.OID),
				errs.KindConflict, managerComponent, "UpdateObjects", "screen item")
			rejected = append(rejected, itemError(it, err, ""))
			continue
		}
		seen[it.OID] = true
		accepted = append(accepted, it)
	}
	return accepted, rejected
}

// UpdateObjects updates a batch remotely and then locally. Local failures are
// recorded but not reverted.
func (m *Manager) UpdateObjects(ctx context.Context, items []registry.Item) (*UpdateResult, error) {
	if len(items) == 0 {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, managerComponent, "UpdateObjects", "check batch")
	}
	result := &UpdateResult{Updates: []Updated{}, Errors: []ItemError{}}

	accepted, rejected := m.screenUpdates(ctx, items)
	result.Errors = append(result.Errors, rejected...)
	if len(accepted) == 0 {
		return result, nil
	}

	results, err := m.deps.Registry.UpdateRegistrations(ctx, m.opts.GatewayID, accepted)
	if err != nil {
		return nil, errs.Upstream(err, managerComponent, "UpdateObjects", "update registrations")
	}
	answers := make(map[string]registry.UpdateResult, len(results))
	for _, r := range results {
		answers[r.OID] = r
	}

	var updated []string
	for _, it := range accepted {
		answer, ok := answers[it.OID]
		switch {
		case !ok:
			result.Errors = append(result.Errors, ItemError{OID: it.OID, AdapterID: it.AdapterID, Name: it.Name,
				Error: msgNoResult, Kind: errs.KindUpstreamUnavailable})
		case answer.Error:
			m.logger.Warn("Item could not be updated in platform", "oid", it.OID, "message", answer.Message)
			result.Errors = append(result.Errors, ItemError{OID: it.OID, AdapterID: it.AdapterID, Name: it.Name,
				Error: msgUpdateRemote, Kind: errs.KindUpstreamUnavailable})
		default:
			err := m.deps.Store.Update(ctx, Update{
				OID:        it.OID,
				AdapterID:  it.AdapterID,
				Name:       it.Name,
				Properties: it.Properties,
				Events:     it.Events,
				Actions:    it.Actions,
				Labels:     it.Labels,
				Groups:     it.Groups,
				Avatar:     it.Avatar,
			})
			if err != nil {
				m.logger.Error("Object updated in platform but not locally", "oid", it.OID, "error", err)
				result.Errors = append(result.Errors, ItemError{OID: it.OID, AdapterID: it.AdapterID, Name: it.Name,
					Error: msgUpdateLocal, Kind: errs.KindOf(err)})
				m.deps.Metrics.RecordRegistration("update", "failure")
				continue
			}
			m.logger.Info("Object updated", "oid", it.OID)
			result.Updates = append(result.Updates, Updated{OID: it.OID, Success: true})
			updated = append(updated, it.OID)
			m.deps.Metrics.RecordRegistration("update", "success")
		}
	}

	if len(updated) > 0 {
		m.schedulePostRegistration("post-update", updated, false)
	}
	return result, nil
}

// RemoveObjects removes objects from the registry first and then locally.
// A registry batch failure leaves the local state untouched. A local failure
// after a confirmed remote removal marks the OID as removal-pending and
// schedules bounded retries.
func (m *Manager) RemoveObjects(ctx context.Context, oids []string) (*RemoveResult, error) {
	if len(oids) == 0 {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, managerComponent, "RemoveObjects", "check batch")
	}
	result := &RemoveResult{Removed: []string{}, Pending: []string{}, Errors: []ItemError{}}

	known := make([]string, 0, len(oids))
	seen := map[string]bool{}
	for _, oid := range oids {
		if seen[oid] {
			continue
		}
		seen[oid] = true
		exists, err := m.deps.Store.Exists(ctx, oid)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{OID: oid, Error: err.Error(), Kind: errs.KindOf(err)})
			continue
		}
		if !exists {
			result.Errors = append(result.Errors, ItemError{OID: oid, Error: errs.ErrObjectNotFound.Error(),
				Kind: errs.KindNotFound})
			continue
		}
		known = append(known, oid)
	}
	if len(known) == 0 {
		return result, nil
	}

	results, err := m.deps.Registry.RemoveRegistrations(ctx, m.opts.GatewayID, known)
	if err != nil {
		return nil, errs.Upstream(err, managerComponent, "RemoveObjects", "remove registrations")
	}
	answers := make(map[string]registry.RemovalResult, len(results))
	for _, r := range results {
		answers[r.OID] = r
	}

	var deferred []string
	for _, oid := range known {
		answer, ok := answers[oid]
		if !ok || !answer.Succeeded() {
			m.logger.Warn("Object could not be removed from platform", "oid", oid, "error", answer.Error)
			result.Errors = append(result.Errors, ItemError{OID: oid, Error: msgRemoveRemote,
				Kind: errs.KindUpstreamUnavailable})
			m.deps.Metrics.RecordRegistration("remove", "failure")
			continue
		}
		if err := m.removeLocally(ctx, oid); err != nil {
			m.logger.Error("Local removal failed, marking as pending", "oid", oid, "error", err)
			if perr := m.deps.Store.MarkRemovalPending(ctx, oid); perr != nil {
				m.logger.Error("Could not record pending removal", "oid", oid, "error", perr)
			}
			result.Pending = append(result.Pending, oid)
			deferred = append(deferred, oid)
			m.deps.Metrics.RecordRegistration("remove", "pending")
			continue
		}
		result.Removed = append(result.Removed, oid)
		m.deps.Metrics.RecordRegistration("remove", "success")
	}
	m.refreshCount(ctx)

	if len(deferred) > 0 {
		m.scheduleRemovalRetry(1)
	}
	return result, nil
}

// removeLocally tears down everything the node holds for oid. Only the store
// removal decides the outcome; session, template and cache cleanup are
// best effort.
func (m *Manager) removeLocally(ctx context.Context, oid string) error {
	if err := m.deps.Sessions.Logout(ctx, oid); err != nil {
		m.logger.Debug("Logout before removal failed", "oid", oid, "error", err)
	}
	return m.purgeLocal(ctx, oid)
}

// purgeLocal drops the mappings, descriptions and local record of oid.
func (m *Manager) purgeLocal(ctx context.Context, oid string) error {
	if m.deps.Mappings != nil {
		if err := m.deps.Mappings.Remove(ctx, oid); err != nil {
			m.logger.Warn("Mappings not removed", "oid", oid, "error", err)
		}
	}
	if m.deps.Descriptions != nil {
		if err := m.deps.Descriptions.Delete(ctx, oid); err != nil {
			m.logger.Warn("Cached description not evicted", "oid", oid, "error", err)
		}
	}
	if m.opts.SemanticEnabled && m.deps.Semantic != nil {
		if err := m.deps.Semantic.DeleteDescription(ctx, oid); err != nil {
			m.logger.Warn("Description not removed from semantic service", "oid", oid, "error", err)
		}
	}
	return m.deps.Store.Remove(ctx, oid)
}

// RetryPendingRemovals retries the local removal of every pending OID and
// returns the ones still pending.
func (m *Manager) RetryPendingRemovals(ctx context.Context) ([]string, error) {
	pending, err := m.deps.Store.PendingRemovals(ctx)
	if err != nil {
		return nil, err
	}
	var remaining []string
	for _, oid := range pending {
		if err := m.purgeLocal(ctx, oid); err != nil {
			m.logger.Warn("Pending removal still failing", "oid", oid, "error", err)
			remaining = append(remaining, oid)
			continue
		}
		m.logger.Info("Pending removal completed", "oid", oid)
	}
	m.refreshCount(ctx)
	return remaining, nil
}

// scheduleRemovalRetry keeps at most one retry chain alive.
func (m *Manager) scheduleRemovalRetry(attempt int) {
	m.retryMu.Lock()
	if attempt == 1 && m.retryActive {
		m.retryMu.Unlock()
		return
	}
	m.retryActive = true
	m.retryMu.Unlock()

	scheduled := m.deps.Scheduler.After("removal-retry", m.opts.RemovalRetryDelay, func(ctx context.Context) {
		remaining, err := m.RetryPendingRemovals(ctx)
		if err == nil && len(remaining) == 0 {
			m.endRemovalRetry()
			return
		}
		if attempt >= m.opts.RemovalAttempts {
			m.logger.Error("Pending removals exhausted their retries, restart the node to retry again",
				"count", len(remaining), "error", err)
			m.endRemovalRetry()
			return
		}
		m.scheduleRemovalRetry(attempt + 1)
	})
	if !scheduled {
		m.endRemovalRetry()
	}
}

func (m *Manager) endRemovalRetry() {
	m.retryMu.Lock()
	m.retryActive = false
	m.retryMu.Unlock()
}
