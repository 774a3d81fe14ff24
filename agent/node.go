// Package agent assembles the node and runs its startup and shutdown
// sequences.
package agent

import (
	"context"
	"log/slog"
	"time"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/pkg/scheduler"
	"github.com/AuroralH2020/auroral-node-agent/registration"
	"github.com/AuroralH2020/auroral-node-agent/registry"
)

const nodeComponent = "agent.Node"

// Notification ids sent by the platform.
const (
	NotificationPrivacy            = "privacyUpdate"
	NotificationPartners           = "partnersUpdate"
	NotificationContractCreate     = "contractsCreate"
	NotificationContractRemove     = "contractsRemove"
	NotificationContractItemUpdate = "contractsItemUpdate"
	NotificationContractItemRemove = "contractsItemRemove"
)

// Registrations is the part of the registration store the node uses.
type Registrations interface {
	List(ctx context.Context) ([]string, error)
	SetVisibility(ctx context.Context, items []registration.Visibility) error
}

// Sessions opens and closes platform sessions.
type Sessions interface {
	Refresh(ctx context.Context, oids []string)
	LogoutAll(ctx context.Context, oids []string)
}

// Reconciler brings local and remote registrations back in line.
type Reconciler interface {
	RetryPendingRemovals(ctx context.Context) ([]string, error)
	Audit(ctx context.Context) (registration.Reconciliation, error)
}

// DescriptionPurger empties the description cache.
type DescriptionPurger interface {
	Purge(ctx context.Context) (int, error)
}

// MappingLoader rebuilds the templates of objects.
type MappingLoader interface {
	LoadAll(ctx context.Context, oids []string) int
}

// Closer releases one resource at shutdown.
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

// NodeDependencies are the collaborators of a Node. Mappings may be nil
// when the semantic layer is disabled.
type NodeDependencies struct {
	Store        Registrations
	Sessions     Sessions
	Reconciler   Reconciler
	Descriptions DescriptionPurger
	Mappings     MappingLoader
	Privacy      registry.PrivacySource
	Scheduler    *scheduler.Scheduler
	Closers      []Closer
}

// NodeOptions tune a Node.
type NodeOptions struct {
	GatewayID          string
	Mode               string
	MappingReloadDelay time.Duration
}

// Node runs the lifecycle of the agent.
type Node struct {
	deps   NodeDependencies
	opts   NodeOptions
	logger *slog.Logger
}

// NewNode creates a node.
func NewNode(deps NodeDependencies, opts NodeOptions, logger *slog.Logger) (*Node, error) {
	if deps.Store == nil || deps.Sessions == nil || deps.Reconciler == nil || deps.Scheduler == nil {
		return nil, errs.WrapInvalid(errs.ErrMissingConfig, nodeComponent, "NewNode", "check dependencies")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{deps: deps, opts: opts, logger: logger.With("component", nodeComponent)}, nil
}

// Start runs the startup sequence. Only a missing gateway identity or an
// unreadable registration store stop it; every other failure is logged and
// the node keeps running degraded.
func (n *Node) Start(ctx context.Context) error {
	if n.opts.GatewayID == "" {
		return errs.WrapInvalid(errs.ErrMissingConfig, nodeComponent, "Start", "missing gateway id")
	}
	n.logger.Info("Agent startup initiated", "agid", n.opts.GatewayID)

	if n.deps.Descriptions != nil {
		if _, err := n.deps.Descriptions.Purge(ctx); err != nil {
			n.logger.Warn("Old cached descriptions could not be cleaned", "error", err)
		}
	}

	if pending, err := n.deps.Reconciler.RetryPendingRemovals(ctx); err != nil {
		n.logger.Warn("Pending removals could not be retried", "error", err)
	} else if len(pending) > 0 {
		n.logger.Warn("Some removals are still pending", "count", len(pending))
	}

	oids, err := n.deps.Store.List(ctx)
	if err != nil {
		return errs.WrapTransient(err, nodeComponent, "Start", "list registrations")
	}
	n.logger.Info("Items in your infrastructure", "count", len(oids))

	n.deps.Sessions.Refresh(ctx, oids)

	if _, err := n.deps.Reconciler.Audit(ctx); err != nil {
		n.logger.Warn("Registrations could not be compared with the platform", "error", err)
	}

	if _, err := n.RefreshPrivacy(ctx); err != nil {
		n.logger.Warn("Items privacy could not be refreshed", "error", err)
	}

	if n.deps.Mappings != nil && len(oids) > 0 {
		n.deps.Scheduler.After("mapping-reload", n.opts.MappingReloadDelay, func(taskCtx context.Context) {
			if failed := n.deps.Mappings.LoadAll(taskCtx, oids); failed > 0 {
				n.logger.Warn("Some mappings were not reloaded", "count", failed)
			}
		})
	}

	n.logger.Info("Agent startup completed", "mode", n.opts.Mode)
	return nil
}

// RefreshPrivacy copies the platform's view of item privacy into the store
// and returns how many local items were updated. Items unknown locally are
// ignored.
func (n *Node) RefreshPrivacy(ctx context.Context) (int, error) {
	if n.deps.Privacy == nil {
		return 0, nil
	}
	items, err := n.deps.Privacy.ItemsPrivacy(ctx)
	if err != nil {
		return 0, errs.Upstream(err, nodeComponent, "RefreshPrivacy", "get items privacy")
	}
	oids, err := n.deps.Store.List(ctx)
	if err != nil {
		return 0, err
	}
	local := make(map[string]bool, len(oids))
	for _, oid := range oids {
		local[oid] = true
	}

	updates := make([]registration.Visibility, 0, len(items))
	for _, it := range items {
		if !local[it.OID] {
			continue
		}
		updates = append(updates, registration.Visibility{
			OID:     it.OID,
			Privacy: registration.Privacy(it.Privacy),
			Status:  registration.ParseStatus(it.Status),
		})
	}
	if err := n.deps.Store.SetVisibility(ctx, updates); err != nil {
		return 0, err
	}
	n.logger.Info("Local items privacy updated", "count", len(updates))
	return len(updates), nil
}

// Notify handles a platform notification. Ids other than privacyUpdate are
// only acknowledged.
func (n *Node) Notify(ctx context.Context, nid string) error {
	n.logger.Info("Notification from cloud received", "nid", nid)
	switch nid {
	case NotificationPrivacy:
		_, err := n.RefreshPrivacy(ctx)
		return err
	case NotificationPartners, NotificationContractCreate, NotificationContractRemove,
		NotificationContractItemUpdate, NotificationContractItemRemove:
		return nil
	default:
		n.logger.Warn("Unknown notification acknowledged", "nid", nid)
		return nil
	}
}

// Stop cancels scheduled work, logs every object and then the gateway out,
// and releases resources in reverse order.
func (n *Node) Stop(ctx context.Context) error {
	var failures []error
	if err := n.deps.Scheduler.Stop(ctx); err != nil {
		failures = append(failures, err)
	}

	oids, err := n.deps.Store.List(ctx)
	if err != nil {
		n.logger.Warn("Registrations could not be listed for logout", "error", err)
	}
	n.deps.Sessions.LogoutAll(ctx, oids)
	n.logger.Info("Gateway connections closed")

	for i := len(n.deps.Closers) - 1; i >= 0; i-- {
		c := n.deps.Closers[i]
		if err := c.Close(ctx); err != nil {
			n.logger.Warn("Resource did not close cleanly", "resource", c.Name, "error", err)
			failures = append(failures, err)
		}
	}
	return errs.Join(failures...)
}
