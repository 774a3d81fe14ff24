package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AuroralH2020/auroral-node-agent/config"
	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/metric"
	"github.com/AuroralH2020/auroral-node-agent/registry"
	"github.com/AuroralH2020/auroral-node-agent/wot"
)

const federatorComponent = "discovery.Federator"

// EmptyResult is the graph query answer used when a peer cannot be reached.
var EmptyResult = json.RawMessage(`{"head":{"vars":["sub","pred","obj"]},"results":{"bindings":[]}}`)

var emptyDescription = json.RawMessage(`{}`)

// Semantic is the part of the semantic service discovery needs.
type Semantic interface {
	wot.Searcher
	RetrieveDescription(ctx context.Context, oid string) (json.RawMessage, error)
}

// DescriptionCache keeps remote descriptions between requests.
type DescriptionCache interface {
	GetMany(ctx context.Context, oids []string) (map[string]json.RawMessage, []string, error)
	PutMany(ctx context.Context, docs map[string]json.RawMessage, remote bool) error
}

// Federator dispatches discovery requests.
type Federator struct {
	gatewayID string
	registry  registry.Discoverer
	semantic  Semantic
	cache     DescriptionCache
	filter    QueryFilter
	cfg       config.DiscoveryConfig
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// NewFederator creates a federator. A nil filter means GraphFilter.
func NewFederator(
	gatewayID string,
	reg registry.Discoverer,
	semantic Semantic,
	cache DescriptionCache,
	filter QueryFilter,
	cfg config.DiscoveryConfig,
	metrics *metric.Metrics,
	logger *slog.Logger,
) *Federator {
	if logger == nil {
		logger = slog.Default()
	}
	if filter == nil {
		filter = GraphFilter{}
	}
	return &Federator{
		gatewayID: gatewayID,
		registry:  reg,
		semantic:  semantic,
		cache:     cache,
		filter:    filter,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("component", federatorComponent),
	}
}

func (f *Federator) record(kind string, err error) {
	outcome := "success"
	if err != nil {
		outcome = errs.KindOf(err).String()
	}
	f.metrics.RecordDiscovery(kind, outcome)
}

func (f *Federator) requireSemantic(method string) error {
	if f.semantic == nil {
		return errs.WrapInvalid(fmt.Errorf("%w: semantic service disabled", errs.ErrMissingConfig),
			federatorComponent, method, "check semantic service")
	}
	return nil
}

// LocalDiscovery returns the OIDs the registry lets id see. An empty id asks
// for this node.
func (f *Federator) LocalDiscovery(ctx context.Context, id string) ([]string, error) {
	oids, err := f.registry.Discover(ctx, id)
	if err != nil {
		err = errs.Upstream(err, federatorComponent, "LocalDiscovery", "discover")
	}
	f.record("local", err)
	if oids == nil {
		oids = []string{}
	}
	return oids, err
}

// LocalQuery runs query against this node's semantic service unfiltered.
func (f *Federator) LocalQuery(ctx context.Context, query string) (json.RawMessage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, federatorComponent, "LocalQuery", "check query")
	}
	if err := f.requireSemantic("LocalQuery"); err != nil {
		return nil, err
	}
	out, err := f.semantic.SearchQuery(ctx, query)
	f.record("local-query", err)
	return out, err
}

// peerEnvelope is how the registry relays the answer of a peer agent.
type peerEnvelope struct {
	Message struct {
		Wrapper json.RawMessage `json:"wrapper"`
	} `json:"message"`
}

func unwrapPeer(raw json.RawMessage) (json.RawMessage, error) {
	var list []peerEnvelope
	if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 || len(list[0].Message.Wrapper) == 0 {
		return nil, fmt.Errorf("%w: unexpected peer answer", errs.ErrInvalidData)
	}
	return list[0].Message.Wrapper, nil
}

// RemoteQuery sends query to agent agid. An unreachable or failing peer
// yields EmptyResult; an answer that cannot be decoded is a validation error.
func (f *Federator) RemoteQuery(ctx context.Context, agid, query string) (json.RawMessage, error) {
	if agid == "" || strings.TrimSpace(query) == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, federatorComponent, "RemoteQuery", "check request")
	}
	resp, err := f.registry.DiscoverRemote(ctx, agid, registry.RemoteParams{Query: query, OriginID: f.gatewayID})
	if err != nil || resp == nil || resp.Failed() {
		f.logger.Warn("Agent not reachable, answering with empty result", "agid", agid, "error", err)
		f.record("remote", errs.ErrPeerUnavailable)
		return EmptyResult, nil
	}

	wrapper, err := unwrapPeer(resp.Message)
	if err == nil {
		var inner struct {
			Message json.RawMessage `json:"message"`
		}
		if err = json.Unmarshal(wrapper, &inner); err == nil && len(inner.Message) == 0 {
			err = fmt.Errorf("%w: empty peer answer", errs.ErrInvalidData)
		}
		if err == nil {
			f.record("remote", nil)
			return inner.Message, nil
		}
	}
	err = errs.WrapInvalid(fmt.Errorf("destination node could not parse the query, please revise syntax: %w", err),
		federatorComponent, "RemoteQuery", "decode answer")
	f.record("remote", err)
	return nil, err
}

// FederatedQuery runs query on every agent in agids through the semantic
// service. A failing federated search yields EmptyResult.
func (f *Federator) FederatedQuery(ctx context.Context, query string, agids []string) (json.RawMessage, error) {
	if strings.TrimSpace(query) == "" || len(agids) == 0 {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, federatorComponent, "FederatedQuery", "check request")
	}
	if err := f.requireSemantic("FederatedQuery"); err != nil {
		return nil, err
	}
	urls := make([]string, len(agids))
	for i, agid := range agids {
		urls[i] = f.cfg.URLFor(agid)
	}
	out, err := f.semantic.SearchFederated(ctx, query, urls)
	if err != nil {
		f.logger.Warn("Federated query failed, answering with empty result", "count", len(urls), "error", err)
		f.record("federated", errs.ErrPeerUnavailable)
		return EmptyResult, nil
	}
	f.record("federated", nil)
	return out, nil
}

func nodeIDs(nodes []registry.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.AGID != "" {
			ids = append(ids, n.AGID)
		}
	}
	return ids
}

// FederatedQueryOrganisation runs query on every node of organisation cid.
// An empty cid means the organisation of this node.
func (f *Federator) FederatedQueryOrganisation(ctx context.Context, query, cid string) (json.RawMessage, error) {
	nodes, err := f.registry.OrganisationNodes(ctx, cid)
	if err != nil {
		return nil, errs.Upstream(err, federatorComponent, "FederatedQueryOrganisation", "list nodes")
	}
	ids := nodeIDs(nodes)
	if len(ids) == 0 {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: there are no nodes in this organisation", errs.ErrMissingParameters),
			federatorComponent, "FederatedQueryOrganisation", "list nodes")
	}
	return f.FederatedQuery(ctx, query, ids)
}

// FederatedQueryCommunity runs query on every node of community commID.
func (f *Federator) FederatedQueryCommunity(ctx context.Context, query, commID string) (json.RawMessage, error) {
	if commID == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, federatorComponent, "FederatedQueryCommunity", "check request")
	}
	nodes, err := f.registry.CommunityNodes(ctx, commID)
	if err != nil {
		return nil, errs.Upstream(err, federatorComponent, "FederatedQueryCommunity", "list nodes")
	}
	ids := nodeIDs(nodes)
	if len(ids) == 0 {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: there are no nodes in this community", errs.ErrMissingParameters),
			federatorComponent, "FederatedQueryCommunity", "list nodes")
	}
	return f.FederatedQuery(ctx, query, ids)
}

// OrganisationNodes lists the nodes visible in organisation cid. An empty
// cid means the organisation of this node.
func (f *Federator) OrganisationNodes(ctx context.Context, cid string) ([]registry.Node, error) {
	nodes, err := f.registry.OrganisationNodes(ctx, cid)
	if err != nil {
		return nil, errs.Upstream(err, federatorComponent, "OrganisationNodes", "list nodes")
	}
	if nodes == nil {
		nodes = []registry.Node{}
	}
	return nodes, nil
}

// CommunityNodes lists the nodes of community commID.
func (f *Federator) CommunityNodes(ctx context.Context, commID string) ([]registry.Node, error) {
	if commID == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, federatorComponent, "CommunityNodes", "check request")
	}
	nodes, err := f.registry.CommunityNodes(ctx, commID)
	if err != nil {
		return nil, errs.Upstream(err, federatorComponent, "CommunityNodes", "list nodes")
	}
	if nodes == nil {
		nodes = []registry.Node{}
	}
	return nodes, nil
}

// OrganisationItems lists the remote OIDs visible inside this node's
// organisation.
func (f *Federator) OrganisationItems(ctx context.Context) ([]string, error) {
	oids, err := f.registry.OrganisationItems(ctx)
	if err != nil {
		return nil, errs.Upstream(err, federatorComponent, "OrganisationItems", "list items")
	}
	if oids == nil {
		oids = []string{}
	}
	return oids, nil
}

// ContractItems lists the items shared in contract ctid, optionally only
// those owned by oid.
func (f *Federator) ContractItems(ctx context.Context, ctid, oid string) (json.RawMessage, error) {
	if ctid == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, federatorComponent, "ContractItems", "check request")
	}
	out, err := f.registry.ContractItems(ctx, ctid, oid)
	if err != nil {
		return nil, errs.Upstream(err, federatorComponent, "ContractItems", "list items")
	}
	return out, nil
}

// AnswerQuery serves a graph query sent to this node by origin. Requests
// from this node run unfiltered; any other origin is confined to the items
// in perm and refused when it has none.
func (f *Federator) AnswerQuery(ctx context.Context, targetID string, perm Permission, query string) (json.RawMessage, error) {
	out, err := f.answerQuery(ctx, targetID, perm, query)
	f.record("answer-query", err)
	return out, err
}

func (f *Federator) answerQuery(ctx context.Context, targetID string, perm Permission, query string) (json.RawMessage, error) {
	if targetID != f.gatewayID {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: graph queries must be addressed to agent %s",
			errs.ErrWrongTarget, f.gatewayID), federatorComponent, "AnswerQuery", "check target")
	}
	if strings.TrimSpace(query) == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, federatorComponent, "AnswerQuery", "check query")
	}
	if err := f.requireSemantic("AnswerQuery"); err != nil {
		return nil, err
	}
	if perm.Relationship == RelationshipSelf {
		return f.semantic.SearchQuery(ctx, query)
	}
	if len(perm.Items) == 0 {
		return nil, errs.WrapInvalid(errs.ErrNoVisibleItems, federatorComponent, "AnswerQuery", "check permission")
	}
	filtered, err := f.filter.Filter(query, perm.Items)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("Answering filtered query", "relationship", perm.Relationship, "count", len(perm.Items))
	return f.semantic.SearchQuery(ctx, filtered)
}

// AnswerDescription serves the Thing Description of a local object. Origins
// not entitled to oid get an empty object.
func (f *Federator) AnswerDescription(ctx context.Context, oid string, perm Permission) (json.RawMessage, error) {
	if oid == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, federatorComponent, "AnswerDescription", "check oid")
	}
	if !perm.Allows(oid) {
		f.logger.Debug("Description access restricted", "oid", oid, "relationship", perm.Relationship)
		f.record("answer-description", nil)
		return emptyDescription, nil
	}
	if err := f.requireSemantic("AnswerDescription"); err != nil {
		return nil, err
	}
	td, err := f.semantic.RetrieveDescription(ctx, oid)
	f.record("answer-description", err)
	return td, err
}

// DiscoverDescriptions returns the Thing Descriptions of oids owned by agent
// agid. When every description is cached no request leaves the node;
// otherwise the whole list is asked for in one remote request and each
// successful answer is cached as remote.
func (f *Federator) DiscoverDescriptions(ctx context.Context, agid string, oids []string) ([]registry.RemoteDescription, error) {
	out, err := f.discoverDescriptions(ctx, agid, oids)
	f.record("descriptions", err)
	return out, err
}

func (f *Federator) discoverDescriptions(ctx context.Context, agid string, oids []string) ([]registry.RemoteDescription, error) {
	if agid == "" || len(oids) == 0 {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, federatorComponent, "DiscoverDescriptions", "check request")
	}

	if f.cache != nil {
		found, missing, err := f.cache.GetMany(ctx, oids)
		if err != nil {
			f.logger.Warn("Description cache unavailable", "error", err)
		} else if len(missing) == 0 {
			f.logger.Debug("Descriptions served from cache", "agid", agid, "count", len(oids))
			out := make([]registry.RemoteDescription, len(oids))
			for i, oid := range oids {
				out[i] = registry.RemoteDescription{OID: oid, Success: true, TD: found[oid]}
			}
			return out, nil
		}
	}

	resp, err := f.registry.DiscoverRemote(ctx, agid, registry.RemoteParams{OIDs: oids, OriginID: f.gatewayID})
	if err != nil {
		return nil, errs.Upstream(err, federatorComponent, "DiscoverDescriptions", "discover remote")
	}
	if resp.Failed() {
		return nil, errs.Upstream(fmt.Errorf("%w: %d %s", errs.ErrPeerUnavailable, resp.StatusCode, resp.StatusCodeReason),
			federatorComponent, "DiscoverDescriptions", "discover remote")
	}
	wrapper, err := unwrapPeer(resp.Message)
	var items []registry.RemoteDescription
	if err == nil {
		err = json.Unmarshal(wrapper, &items)
	}
	if err != nil {
		return nil, errs.WrapInvalid(fmt.Errorf("destination node could not parse the request: %w", err),
			federatorComponent, "DiscoverDescriptions", "decode answer")
	}

	docs := make(map[string]json.RawMessage, len(items))
	for _, it := range items {
		if it.Success && it.OID != "" && len(it.TD) > 0 {
			docs[it.OID] = it.TD
		}
	}
	if f.cache != nil && len(docs) > 0 {
		if err := f.cache.PutMany(ctx, docs, true); err != nil {
			f.logger.Warn("Some remote descriptions were not cached", "agid", agid, "error", err)
		}
	}
	return items, nil
}
