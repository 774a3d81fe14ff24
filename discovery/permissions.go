package discovery

import (
	"context"
	"log/slog"
	"sort"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/pkg/cache"
	"github.com/AuroralH2020/auroral-node-agent/registration"
)

// Relationship is the standing of a requester towards this node.
type Relationship string

const (
	RelationshipSelf    Relationship = "me"
	RelationshipPartner Relationship = "partner"
	RelationshipOther   Relationship = "other"
)

// Permission is what a requester may see.
type Permission struct {
	Relationship Relationship `json:"relationship"`
	// Items are the local OIDs visible to the requester. Unused for self.
	Items []string `json:"items,omitempty"`
}

// Allows reports whether oid is visible.
func (p Permission) Allows(oid string) bool {
	if p.Relationship == RelationshipSelf {
		return true
	}
	for _, it := range p.Items {
		if it == oid {
			return true
		}
	}
	return false
}

// VisibilitySource lists local objects and their visibility.
type VisibilitySource interface {
	Exists(ctx context.Context, oid string) (bool, error)
	Visibilities(ctx context.Context) ([]registration.Visibility, error)
}

// AgentLookup finds the agent owning an object.
type AgentLookup interface {
	GetAgentByOID(ctx context.Context, oid string) (string, error)
}

// Resolver computes the Permission of a request origin.
type Resolver struct {
	gatewayID string
	store     VisibilitySource
	lookup    AgentLookup
	agents    cache.Cache[string]
	partners  map[string]bool
	logger    *slog.Logger
}

// NewResolver creates a resolver. agents caches OID to agent lookups and may
// be nil.
func NewResolver(
	gatewayID string,
	store VisibilitySource,
	lookup AgentLookup,
	agents cache.Cache[string],
	partners []string,
	logger *slog.Logger,
) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]bool, len(partners))
	for _, p := range partners {
		set[p] = true
	}
	return &Resolver{
		gatewayID: gatewayID,
		store:     store,
		lookup:    lookup,
		agents:    agents,
		partners:  set,
		logger:    logger.With("component", "discovery.Resolver"),
	}
}

// agentOf returns the agent behind origin. Origins the registry does not
// know as objects are taken to be agents themselves.
func (r *Resolver) agentOf(ctx context.Context, origin string) string {
	if r.agents != nil {
		if agid, ok := r.agents.Get(origin); ok {
			return agid
		}
	}
	agid, err := r.lookup.GetAgentByOID(ctx, origin)
	if err != nil || agid == "" {
		if err != nil && !errs.IsKind(err, errs.KindNotFound) {
			r.logger.Warn("Agent lookup failed", "oid", origin, "error", err)
			return origin
		}
		agid = origin
	}
	if r.agents != nil {
		if _, err := r.agents.Set(origin, agid); err != nil {
			r.logger.Debug("Agent lookup not cached", "oid", origin, "error", err)
		}
	}
	return agid
}

// Resolve returns the permission of originID, which is either an OID or an
// agent id.
func (r *Resolver) Resolve(ctx context.Context, originID string) (Permission, error) {
	if originID == "" {
		return Permission{Relationship: RelationshipOther, Items: []string{}}, nil
	}
	if originID == r.gatewayID {
		return Permission{Relationship: RelationshipSelf}, nil
	}
	local, err := r.store.Exists(ctx, originID)
	if err != nil {
		return Permission{}, err
	}
	if local {
		return Permission{Relationship: RelationshipSelf}, nil
	}

	agid := r.agentOf(ctx, originID)
	if agid == r.gatewayID {
		return Permission{Relationship: RelationshipSelf}, nil
	}
	perm := Permission{Relationship: RelationshipOther, Items: []string{}}
	if r.partners[agid] {
		perm.Relationship = RelationshipPartner
	}

	all, err := r.store.Visibilities(ctx)
	if err != nil {
		return Permission{}, err
	}
	partner := perm.Relationship == RelationshipPartner
	for _, v := range all {
		if v.Visible(partner) {
			perm.Items = append(perm.Items, v.OID)
		}
	}
	sort.Strings(perm.Items)
	return perm, nil
}
