// Package consumption reaches properties and event channels of objects owned
// by other agents, always through the platform registry.
package consumption

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/registry"
)

const component = "consumption.Consumer"

// Descriptions is the read side of the Thing Description cache.
type Descriptions interface {
	Get(ctx context.Context, oid string) (json.RawMessage, bool, error)
}

// AgentLookup resolves the agent that owns an OID.
type AgentLookup interface {
	GetAgentByOID(ctx context.Context, oid string) (string, error)
}

// RemoteDescriptions fetches descriptions from a peer and caches them.
type RemoteDescriptions interface {
	DiscoverDescriptions(ctx context.Context, agid string, oids []string) ([]registry.RemoteDescription, error)
}

// Consumer performs outbound interactions on behalf of local objects.
type Consumer struct {
	registry registry.Consumer
	agents   AgentLookup
	cache    Descriptions
	remote   RemoteDescriptions
	logger   *slog.Logger
}

// NewConsumer creates a consumer. cache may be nil, in which case every
// description is fetched from the owning agent.
func NewConsumer(
	reg registry.Consumer,
	agents AgentLookup,
	cache Descriptions,
	remote RemoteDescriptions,
	logger *slog.Logger,
) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		registry: reg,
		agents:   agents,
		cache:    cache,
		remote:   remote,
		logger:   logger.With("component", component),
	}
}

// Description returns the Thing Description of a remote object, cached first.
// A miss asks the owning agent and the answer is cached as remote.
func (c *Consumer) Description(ctx context.Context, oid string) (json.RawMessage, error) {
	if oid == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, component, "Description", "check oid")
	}
	if c.cache != nil {
		td, ok, err := c.cache.Get(ctx, oid)
		if err != nil {
			c.logger.Warn("Description cache unavailable", "oid", oid, "error", err)
		} else if ok {
			return td, nil
		}
	}

	agid, err := c.agents.GetAgentByOID(ctx, oid)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return nil, errs.WrapKind(err, errs.KindNotFound, component, "Description", "resolve owner of "+oid)
		}
		return nil, errs.Upstream(err, component, "Description", "resolve owner of "+oid)
	}
	items, err := c.remote.DiscoverDescriptions(ctx, agid, []string{oid})
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.OID == oid && it.Success && len(it.TD) > 0 {
			return it.TD, nil
		}
	}
	return nil, errs.WrapKind(fmt.Errorf("%w: no description for %s at %s", errs.ErrObjectNotFound, oid, agid),
		errs.KindNotFound, component, "Description", "discover remote")
}

// ReadProperty reads property pid of remote object oid acting as local object id.
func (c *Consumer) ReadProperty(ctx context.Context, id, oid, pid string, params url.Values) (json.RawMessage, error) {
	if id == "" || oid == "" || pid == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, component, "ReadProperty", "check request")
	}
	if _, err := c.Description(ctx, oid); err != nil {
		return nil, err
	}
	resp, err := c.registry.GetProperty(ctx, id, oid, pid, params)
	if err := check(resp, err, "ReadProperty"); err != nil {
		c.logger.Warn("Property could not be retrieved", "oid", oid, "pid", pid, "error", err)
		return nil, err
	}
	return payload(resp, "ReadProperty")
}

// WriteProperty sets property pid of remote object oid acting as local object id.
func (c *Consumer) WriteProperty(
	ctx context.Context, id, oid, pid string, body json.RawMessage, params url.Values,
) (json.RawMessage, error) {
	if id == "" || oid == "" || pid == "" || len(strings.TrimSpace(string(body))) == 0 {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, component, "WriteProperty", "check request")
	}
	if _, err := c.Description(ctx, oid); err != nil {
		return nil, err
	}
	resp, err := c.registry.PutProperty(ctx, id, oid, pid, body, params)
	if err := check(resp, err, "WriteProperty"); err != nil {
		c.logger.Warn("Property could not be set", "oid", oid, "pid", pid, "error", err)
		return nil, err
	}
	return payload(resp, "WriteProperty")
}

// Channels lists the event channels of remote object oid.
func (c *Consumer) Channels(ctx context.Context, id, oid string) (json.RawMessage, error) {
	if id == "" || oid == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, component, "Channels", "check request")
	}
	resp, err := c.registry.EventChannels(ctx, id, oid)
	if err := check(resp, err, "Channels"); err != nil {
		return nil, err
	}
	c.logger.Info("Channels retrieved", "oid", oid)
	return resp.Message, nil
}

// Activate opens event channel eid of local object id.
func (c *Consumer) Activate(ctx context.Context, id, eid string) (string, error) {
	if id == "" || eid == "" {
		return "", errs.WrapInvalid(errs.ErrMissingParameters, component, "Activate", "check request")
	}
	resp, err := c.registry.ActivateEventChannel(ctx, id, eid)
	if err := check(resp, err, "Activate"); err != nil {
		return "", err
	}
	c.logger.Info("Channel activated", "id", id, "eid", eid)
	return resp.StatusCodeReason, nil
}

// Deactivate closes event channel eid of local object id.
func (c *Consumer) Deactivate(ctx context.Context, id, eid string) (string, error) {
	if id == "" || eid == "" {
		return "", errs.WrapInvalid(errs.ErrMissingParameters, component, "Deactivate", "check request")
	}
	resp, err := c.registry.DeactivateEventChannel(ctx, id, eid)
	if err := check(resp, err, "Deactivate"); err != nil {
		return "", err
	}
	c.logger.Info("Channel deactivated", "id", id, "eid", eid)
	return resp.StatusCodeReason, nil
}

// Publish sends body to the subscribers of channel eid. A body that is not
// JSON is published as a string.
func (c *Consumer) Publish(ctx context.Context, id, eid string, body []byte) (string, error) {
	if id == "" || eid == "" || len(strings.TrimSpace(string(body))) == 0 {
		return "", errs.WrapInvalid(errs.ErrMissingParameters, component, "Publish", "check request")
	}
	var value any = json.RawMessage(body)
	if !json.Valid(body) {
		value = string(body)
	}
	wrapped, err := json.Marshal(map[string]any{"wrapper": value})
	if err != nil {
		return "", errs.WrapInvalid(err, component, "Publish", "encode event")
	}
	resp, err := c.registry.PublishEvent(ctx, id, eid, wrapped)
	if err := check(resp, err, "Publish"); err != nil {
		return "", err
	}
	c.logger.Info("Message sent to channel", "id", id, "eid", eid)
	return resp.StatusCodeReason, nil
}

// Status reports the state of remote channel eid of object oid.
func (c *Consumer) Status(ctx context.Context, id, oid, eid string) (json.RawMessage, error) {
	if id == "" || oid == "" || eid == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, component, "Status", "check request")
	}
	resp, err := c.registry.EventChannelStatus(ctx, id, oid, eid)
	if err := check(resp, err, "Status"); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// Subscribe subscribes local object id to remote channel eid of oid.
func (c *Consumer) Subscribe(ctx context.Context, id, oid, eid string) (string, error) {
	if id == "" || oid == "" || eid == "" {
		return "", errs.WrapInvalid(errs.ErrMissingParameters, component, "Subscribe", "check request")
	}
	resp, err := c.registry.Subscribe(ctx, id, oid, eid)
	if err := check(resp, err, "Subscribe"); err != nil {
		return "", err
	}
	c.logger.Info("Subscribed to remote channel", "oid", oid, "eid", eid)
	return resp.StatusCodeReason, nil
}

// Unsubscribe cancels a subscription made with Subscribe.
func (c *Consumer) Unsubscribe(ctx context.Context, id, oid, eid string) (string, error) {
	if id == "" || oid == "" || eid == "" {
		return "", errs.WrapInvalid(errs.ErrMissingParameters, component, "Unsubscribe", "check request")
	}
	resp, err := c.registry.Unsubscribe(ctx, id, oid, eid)
	if err := check(resp, err, "Unsubscribe"); err != nil {
		return "", err
	}
	c.logger.Info("Unsubscribed from remote channel", "oid", oid, "eid", eid)
	return resp.StatusCodeReason, nil
}

// KindForStatus maps a failing gateway status code to an error kind.
func KindForStatus(status int) errs.Kind {
	switch {
	case status == http.StatusBadRequest:
		return errs.KindValidation
	case status == http.StatusNotFound:
		return errs.KindNotFound
	default:
		// 401 means the node's own credentials were refused.
		return errs.KindUpstreamUnavailable
	}
}

func check(resp *registry.Response, err error, method string) error {
	if err != nil {
		if errs.KindOf(err) != errs.KindUnknown {
			return errs.WrapTransient(err, component, method, "call registry")
		}
		return errs.Upstream(err, component, method, "call registry")
	}
	if resp == nil {
		return errs.Upstream(errs.ErrRegistryUnavailable, component, method, "call registry")
	}
	if !resp.Failed() {
		return nil
	}
	status := resp.StatusCode
	if status < 400 {
		status = http.StatusInternalServerError
	}
	reason := resp.StatusCodeReason
	if reason == "" {
		reason = http.StatusText(status)
	}
	return errs.WrapKind(fmt.Errorf("%d %s", status, reason), KindForStatus(status), component, method, "remote call")
}

// payload extracts the peer's answer from the relay envelope.
func payload(resp *registry.Response, method string) (json.RawMessage, error) {
	var list []struct {
		Message struct {
			Wrapper json.RawMessage `json:"wrapper"`
		} `json:"message"`
	}
	if err := json.Unmarshal(resp.Message, &list); err != nil || len(list) == 0 {
		return nil, errs.Upstream(fmt.Errorf("%w: unexpected relay answer", errs.ErrInvalidData),
			component, method, "decode answer")
	}
	if len(list[0].Message.Wrapper) == 0 {
		return json.RawMessage(`null`), nil
	}
	return list[0].Message.Wrapper, nil
}
