package wot

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

const component = "wot"

// HTTPClient implements Service over the semantic service REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

var _ Service = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the service configured in cfg.
func NewHTTPClient(cfg config.WoTConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", component),
	}
}

func (c *HTTPClient) send(
	ctx context.Context, method, path string, query url.Values, contentType string, body []byte,
) (json.RawMessage, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errs.WrapInvalid(err, component, method, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Upstream(err, component, method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errs.Upstream(err, component, method, "read response "+path)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errs.WrapKind(fmt.Errorf("%w: %s", errs.ErrObjectNotFound, path), errs.KindNotFound,
			component, method, path)
	case resp.StatusCode >= 400:
		return nil, errs.Upstream(fmt.Errorf("semantic service returned %d: %s", resp.StatusCode,
			strings.TrimSpace(string(data))), component, method, path)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, errs.Upstream(errs.ErrInvalidData, component, method, "decode response "+path)
	}
	return json.RawMessage(data), nil
}

func (c *HTTPClient) RetrieveDescription(ctx context.Context, oid string) (json.RawMessage, error) {
	return c.send(ctx, http.MethodGet, "/api/things/"+url.PathEscape(oid), nil, "", nil)
}

func (c *HTTPClient) DeleteDescription(ctx context.Context, oid string) error {
	_, err := c.send(ctx, http.MethodDelete, "/api/things/"+url.PathEscape(oid), nil, "", nil)
	return err
}

func (c *HTTPClient) SearchQuery(ctx context.Context, query string) (json.RawMessage, error) {
	return c.send(ctx, http.MethodPost, "/api/search/sparql", nil, "application/sparql-query", []byte(query))
}

func (c *HTTPClient) SearchFederated(ctx context.Context, query string, urls []string) (json.RawMessage, error) {
	body, err := json.Marshal(struct {
		Query string   `json:"query"`
		URLs  []string `json:"urls"`
	}{Query: query, URLs: urls})
	if err != nil {
		return nil, errs.WrapInvalid(err, component, "SearchFederated", "encode request")
	}
	return c.send(ctx, http.MethodPost, "/api/search/sparql/federated", nil, "application/json", body)
}

// Interact maps an interaction onto /api/things/{oid}/{properties|events|actions}/{iid}.
func (c *HTTPClient) Interact(ctx context.Context, req InteractionRequest) (json.RawMessage, error) {
	var collection string
	switch req.Interaction {
	case InteractionProperty:
		collection = "properties"
	case InteractionEvent:
		collection = "events"
	case InteractionAction:
		collection = "actions"
	default:
		return nil, errs.WrapInvalid(fmt.Errorf("%w: interaction %q", errs.ErrInvalidData, req.Interaction),
			component, "Interact", "select interaction")
	}

	query := url.Values{}
	for k, v := range req.Params {
		query[k] = v
	}
	if req.SourceOID != "" {
		query.Set("sourceoid", req.SourceOID)
	}

	var body []byte
	if len(req.Body) > 0 {
		body = req.Body
	}
	path := "/api/things/" + url.PathEscape(req.OID) + "/" + collection + "/" + url.PathEscape(req.IID)
	return c.send(ctx, req.Method, path, query, "application/json", body)
}

func (c *HTTPClient) Health(ctx context.Context) error {
	_, err := c.send(ctx, http.MethodGet, "/api/health", nil, "", nil)
	return err
}
