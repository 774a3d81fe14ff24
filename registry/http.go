package registry

import (
	"bytes"
	"context"
	"encoding/base64"
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

const component = "registry"

// BasicToken builds the Authorization header value for id and password.
func BasicToken(id, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(id+":"+password))
}

// HTTPClient talks to the node's gateway over its REST API.
type HTTPClient struct {
	baseURL      string
	gatewayID    string
	gatewayToken string
	creds        CredentialSource
	http         *http.Client
	logger       *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the gateway described by cfg. Object
// credentials are looked up through creds when a call acts on behalf of an OID.
func NewHTTPClient(cfg config.GatewayConfig, creds CredentialSource, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		gatewayID:    cfg.ID,
		gatewayToken: BasicToken(cfg.ID, cfg.Password),
		creds:        creds,
		http:         &http.Client{Timeout: timeout},
		logger:       logger.With("component", component),
	}
}

func seg(s string) string { return url.PathEscape(s) }

func (c *HTTPClient) authorization(ctx context.Context, id string) (string, error) {
	if id == "" || id == c.gatewayID {
		return c.gatewayToken, nil
	}
	if c.creds == nil {
		return "", errs.WrapInvalid(errs.ErrMissingConfig, component, "authorization", "no credential source")
	}
	return c.creds.Credentials(ctx, id)
}

// do sends one request and decodes the gateway envelope. Transport failures
// and undecodable answers are upstream-unavailable errors; gateway-level
// failures are returned in the envelope for the caller to interpret.
func (c *HTTPClient) do(ctx context.Context, method, path, as string, query url.Values, body any) (*Response, error) {
	token, err := c.authorization(ctx, as)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		raw, ok := body.(json.RawMessage)
		if !ok {
			raw, err = json.Marshal(body)
			if err != nil {
				return nil, errs.WrapInvalid(err, component, method, "encode request body")
			}
		}
		reader = bytes.NewReader(raw)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errs.WrapInvalid(err, component, method, "build request")
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Upstream(errs.Join(errs.ErrRegistryUnavailable, err), component, method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errs.Upstream(err, component, method, "read response "+path)
	}

	out := &Response{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			if resp.StatusCode >= 400 {
				out.StatusCodeReason = strings.TrimSpace(string(data))
			} else {
				return nil, errs.Upstream(err, component, method, "decode response "+path)
			}
		}
	}
	if out.StatusCode == 0 {
		out.StatusCode = resp.StatusCode
	}
	if resp.StatusCode >= 400 {
		out.Error = true
	}
	if out.StatusCodeReason == "" {
		out.StatusCodeReason = http.StatusText(out.StatusCode)
	}
	return out, nil
}

// call is do plus conversion of gateway-level failures into errors and
// decoding of the message payload into out.
func (c *HTTPClient) call(ctx context.Context, method, path, as string, body, out any) error {
	resp, err := c.do(ctx, method, path, as, nil, body)
	if err != nil {
		return err
	}
	if resp.Failed() {
		return errs.Upstream(
			fmt.Errorf("%w: status %d %s", errs.ErrRegistryUnavailable, resp.StatusCode, resp.StatusCodeReason),
			component, method, path)
	}
	if out == nil || len(resp.Message) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Message, out); err != nil {
		return errs.Upstream(err, component, method, "decode message "+path)
	}
	return nil
}

func (c *HTTPClient) Login(ctx context.Context, oid string) error {
	return c.call(ctx, http.MethodGet, "/objects/login", oid, nil, nil)
}

func (c *HTTPClient) Logout(ctx context.Context, oid string) error {
	return c.call(ctx, http.MethodGet, "/objects/logout", oid, nil, nil)
}

func (c *HTTPClient) PostRegistrations(ctx context.Context, agid string, items []Item) ([]RegistrationResult, error) {
	var out []RegistrationResult
	body := map[string]any{"agid": agid, "items": items}
	err := c.call(ctx, http.MethodPost, "/agents/"+seg(agid)+"/objects", "", body, &out)
	return out, err
}

func (c *HTTPClient) UpdateRegistrations(ctx context.Context, agid string, items []Item) ([]UpdateResult, error) {
	var out []UpdateResult
	body := map[string]any{"agid": agid, "items": items}
	err := c.call(ctx, http.MethodPut, "/agents/"+seg(agid)+"/objects", "", body, &out)
	return out, err
}

func (c *HTTPClient) RemoveRegistrations(ctx context.Context, agid string, oids []string) ([]RemovalResult, error) {
	var out []RemovalResult
	body := map[string]any{"agid": agid, "oids": oids}
	err := c.call(ctx, http.MethodPost, "/agents/"+seg(agid)+"/objects/delete", "", body, &out)
	return out, err
}

func (c *HTTPClient) GetRegistrations(ctx context.Context, agid string) ([]string, error) {
	var out []string
	err := c.call(ctx, http.MethodGet, "/agents/"+seg(agid)+"/objects", "", nil, &out)
	return out, err
}

func (c *HTTPClient) Discover(ctx context.Context, id string) ([]string, error) {
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodGet, "/objects", id, nil, &raw); err != nil {
		return nil, err
	}
	return decodeOIDList(raw)
}

// decodeOIDList accepts ["a"], [{"oid":"a"}] or {"objects":[{"oid":"a"}]}.
func decodeOIDList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var plain []string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, nil
	}
	type ref struct {
		OID string `json:"oid"`
	}
	var refs []ref
	if err := json.Unmarshal(raw, &refs); err != nil {
		var wrapped struct {
			Objects []ref `json:"objects"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, errs.Upstream(err, component, "Discover", "decode object list")
		}
		refs = wrapped.Objects
	}
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.OID)
	}
	return out, nil
}

func (c *HTTPClient) DiscoverRemote(ctx context.Context, agid string, params RemoteParams) (*Response, error) {
	return c.do(ctx, http.MethodPost, "/agents/"+seg(agid)+"/discovery", "", nil, params)
}

func (c *HTTPClient) GetAgentByOID(ctx context.Context, oid string) (string, error) {
	var agid string
	err := c.call(ctx, http.MethodGet, "/objects/"+seg(oid)+"/agent", "", nil, &agid)
	return agid, err
}

// OrganisationNodes lists the nodes of organisation cid, or of this node's
// own organisation when cid is empty.
func (c *HTTPClient) OrganisationNodes(ctx context.Context, cid string) ([]Node, error) {
	path := "/organisation/nodes"
	if cid != "" {
		path = "/organisation/" + seg(cid) + "/nodes"
	}
	var out []Node
	err := c.call(ctx, http.MethodGet, path, "", nil, &out)
	return out, err
}

func (c *HTTPClient) CommunityNodes(ctx context.Context, commID string) ([]Node, error) {
	var out []Node
	err := c.call(ctx, http.MethodGet, "/community/"+seg(commID)+"/nodes", "", nil, &out)
	return out, err
}

// OrganisationItems lists the remote OIDs this node may see inside its
// organisation.
func (c *HTTPClient) OrganisationItems(ctx context.Context) ([]string, error) {
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodGet, "/organisation/items", "", nil, &raw); err != nil {
		return nil, err
	}
	return decodeOIDList(raw)
}

// ContractItems returns the items shared in contract ctid, narrowed to the
// items of owner oid when it is set.
func (c *HTTPClient) ContractItems(ctx context.Context, ctid, oid string) (json.RawMessage, error) {
	path := "/contract/" + seg(ctid) + "/items"
	if oid != "" {
		path += "/" + seg(oid)
	}
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodGet, path, "", nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`[]`)
	}
	return raw, nil
}

func (c *HTTPClient) ItemsPrivacy(ctx context.Context) ([]ItemPrivacy, error) {
	var out []ItemPrivacy
	err := c.call(ctx, http.MethodGet, "/agents/"+seg(c.gatewayID)+"/objects/privacy", "", nil, &out)
	return out, err
}

func (c *HTTPClient) GetProperty(ctx context.Context, id, oid, pid string, params url.Values) (*Response, error) {
	return c.do(ctx, http.MethodGet, "/objects/"+seg(oid)+"/properties/"+seg(pid), id, params, nil)
}

func (c *HTTPClient) PutProperty(
	ctx context.Context, id, oid, pid string, body json.RawMessage, params url.Values,
) (*Response, error) {
	return c.do(ctx, http.MethodPut, "/objects/"+seg(oid)+"/properties/"+seg(pid), id, params, body)
}

func (c *HTTPClient) EventChannels(ctx context.Context, id, oid string) (*Response, error) {
	return c.do(ctx, http.MethodGet, "/objects/"+seg(oid)+"/events", id, nil, nil)
}

func (c *HTTPClient) ActivateEventChannel(ctx context.Context, id, eid string) (*Response, error) {
	return c.do(ctx, http.MethodPost, "/events/"+seg(eid), id, nil, nil)
}

func (c *HTTPClient) DeactivateEventChannel(ctx context.Context, id, eid string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, "/events/"+seg(eid), id, nil, nil)
}

func (c *HTTPClient) PublishEvent(ctx context.Context, id, eid string, body json.RawMessage) (*Response, error) {
	return c.do(ctx, http.MethodPut, "/events/"+seg(eid), id, nil, body)
}

func (c *HTTPClient) EventChannelStatus(ctx context.Context, id, oid, eid string) (*Response, error) {
	return c.do(ctx, http.MethodGet, "/objects/"+seg(oid)+"/events/"+seg(eid), id, nil, nil)
}

func (c *HTTPClient) Subscribe(ctx context.Context, id, oid, eid string) (*Response, error) {
	return c.do(ctx, http.MethodPost, "/objects/"+seg(oid)+"/events/"+seg(eid), id, nil, nil)
}

func (c *HTTPClient) Unsubscribe(ctx context.Context, id, oid, eid string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, "/objects/"+seg(oid)+"/events/"+seg(eid), id, nil, nil)
}

func (c *HTTPClient) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", "", nil, nil)
}
