package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AuroralH2020/auroral-node-agent/config"
	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

// ProxyResponse is the answer of a local adapter.
type ProxyResponse struct {
	Msg            json.RawMessage `json:"msg"`
	TS             string          `json:"ts,omitempty"`
	MappingEnabled *bool           `json:"mappingEnabled,omitempty"`
}

// Proxy delivers a request to the local adapter.
type Proxy interface {
	Send(ctx context.Context, req Request) (*ProxyResponse, error)
}

// decodeAnswer accepts the structured {msg, ts, mappingEnabled} envelope.
// Any other JSON document is taken as the message itself.
func decodeAnswer(data []byte) (*ProxyResponse, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return &ProxyResponse{Msg: json.RawMessage(`{}`)}, nil
	}
	if !json.Valid(data) {
		return nil, errs.ErrInvalidData
	}
	var probe map[string]json.RawMessage
	if json.Unmarshal(data, &probe) == nil {
		if _, ok := probe["msg"]; ok {
			out := &ProxyResponse{}
			if err := json.Unmarshal(data, out); err != nil {
				return nil, err
			}
			return out, nil
		}
	}
	return &ProxyResponse{Msg: json.RawMessage(data)}, nil
}

func interactionPath(interaction string) string {
	switch interaction {
	case InteractionEvent:
		return "event"
	case InteractionDiscovery:
		return "discovery"
	default:
		return "property"
	}
}

// HTTPProxy reaches the adapter over its REST API at
// {base}/api/{property|event|discovery}/{oid}/{iid}.
type HTTPProxy struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

var _ Proxy = (*HTTPProxy)(nil)

// NewHTTPProxy creates a proxy for the adapter described by cfg.
func NewHTTPProxy(cfg config.AdapterConfig, logger *slog.Logger) *HTTPProxy {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProxy{
		baseURL: strings.TrimRight(cfg.BaseURL(), "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "adapter.HTTPProxy"),
	}
}

// Send implements Proxy.
func (p *HTTPProxy) Send(ctx context.Context, req Request) (*ProxyResponse, error) {
	query := url.Values{}
	for k, vs := range req.Params {
		query[k] = vs
	}
	if req.SourceOID != "" {
		query.Set("sourceoid", req.SourceOID)
	}
	target := fmt.Sprintf("%s/api/%s/%s/%s", p.baseURL, interactionPath(req.Interaction),
		url.PathEscape(req.OID), url.PathEscape(req.IID))
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, errs.WrapInvalid(err, "adapter.HTTPProxy", "Send", "build request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, errs.Upstream(errs.Join(errs.ErrPeerUnavailable, err), "adapter.HTTPProxy", "Send", "reach adapter")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errs.Upstream(err, "adapter.HTTPProxy", "Send", "read answer")
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.WrapKind(fmt.Errorf("%w: adapter has no %s/%s", errs.ErrObjectNotFound, req.OID, req.IID),
			errs.KindNotFound, "adapter.HTTPProxy", "Send", "reach adapter")
	}
	if resp.StatusCode >= 400 {
		p.logger.Warn("Adapter answered with an error", "oid", req.OID, "iid", req.IID, "status", resp.StatusCode)
		return nil, errs.Upstream(fmt.Errorf("adapter returned %d", resp.StatusCode),
			"adapter.HTTPProxy", "Send", "reach adapter")
	}
	answer, err := decodeAnswer(data)
	if err != nil {
		return nil, errs.Upstream(err, "adapter.HTTPProxy", "Send", "decode answer")
	}
	return answer, nil
}

// Requester is the request/reply side of a NATS connection.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// natsEnvelope is the request published to the adapter.
type natsEnvelope struct {
	Method      string              `json:"method"`
	OID         string              `json:"oid"`
	IID         string              `json:"iid"`
	Interaction string              `json:"interaction"`
	SourceOID   string              `json:"sourceoid,omitempty"`
	Body        json.RawMessage     `json:"body,omitempty"`
	Params      map[string][]string `json:"params,omitempty"`
}

// NATSProxy reaches the adapter with request/reply on
// {prefix}.{interaction}.{oid}.{iid}.
type NATSProxy struct {
	nc     Requester
	prefix string
	logger *slog.Logger
}

var _ Proxy = (*NATSProxy)(nil)

// NewNATSProxy creates a proxy publishing under prefix.
func NewNATSProxy(nc Requester, prefix string, logger *slog.Logger) *NATSProxy {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "adapter"
	}
	return &NATSProxy{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger.With("component", "adapter.NATSProxy")}
}

// validToken reports whether s can be used as one subject token.
func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

// Subject returns the subject a request is published on.
func (p *NATSProxy) Subject(req Request) (string, error) {
	if !validToken(req.OID) || !validToken(req.IID) {
		return "", errs.WrapInvalid(fmt.Errorf("%w: %q/%q is not a valid subject", errs.ErrInvalidData, req.OID, req.IID),
			"adapter.NATSProxy", "Subject", "build subject")
	}
	return strings.Join([]string{p.prefix, interactionPath(req.Interaction), req.OID, req.IID}, "."), nil
}

// Send implements Proxy.
func (p *NATSProxy) Send(ctx context.Context, req Request) (*ProxyResponse, error) {
	subject, err := p.Subject(req)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(natsEnvelope{
		Method:      req.Method,
		OID:         req.OID,
		IID:         req.IID,
		Interaction: req.Interaction,
		SourceOID:   req.SourceOID,
		Body:        req.Body,
		Params:      req.Params,
	})
	if err != nil {
		return nil, errs.WrapInvalid(err, "adapter.NATSProxy", "Send", "encode request")
	}

	reply, err := p.nc.Request(ctx, subject, data)
	if err != nil {
		p.logger.Warn("Adapter request failed", "subject", subject, "error", err)
		return nil, errs.Upstream(errs.Join(errs.ErrPeerUnavailable, err), "adapter.NATSProxy", "Send", "request "+subject)
	}
	answer, err := decodeAnswer(reply)
	if err != nil {
		return nil, errs.Upstream(err, "adapter.NATSProxy", "Send", "decode answer")
	}
	return answer, nil
}
