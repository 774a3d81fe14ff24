package registry

import (
	"encoding/json"
)

// Item is one object submitted to the platform for registration or update.
type Item struct {
	OID        string          `json:"oid,omitempty"`
	AdapterID  string          `json:"adapterId"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Labels     []string        `json:"labels,omitempty"`
	Avatar     string          `json:"avatar,omitempty"`
	Groups     []string        `json:"groups,omitempty"`
	Properties []string        `json:"properties,omitempty"`
	Events     []string        `json:"events,omitempty"`
	Actions    []string        `json:"actions,omitempty"`
	TD         json.RawMessage `json:"td,omitempty"`
}

// RegistrationResult is the platform's answer for one registered item.
type RegistrationResult struct {
	OID       string  `json:"oid"`
	AdapterID string  `json:"adapterId,omitempty"`
	Password  *string `json:"password"`
	Name      string  `json:"name"`
	Error     string  `json:"error,omitempty"`
}

// Succeeded reports whether the platform assigned an OID and credentials.
func (r RegistrationResult) Succeeded() bool {
	return r.Error == "" && r.OID != "" && r.Password != nil && *r.Password != ""
}

// UpdateResult is the platform's answer for one updated item.
type UpdateResult struct {
	OID     string `json:"oid"`
	Error   bool   `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// RemovalResult is the platform's answer for one removed item.
type RemovalResult struct {
	OID        string `json:"oid"`
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error,omitempty"`
}

// Succeeded reports whether the platform confirmed the removal.
func (r RemovalResult) Succeeded() bool {
	return r.Error == "" && (r.StatusCode == 0 || (r.StatusCode >= 200 && r.StatusCode < 300))
}

// RemoteParams selects what a peer agent is asked for.
type RemoteParams struct {
	Query    string   `json:"sparql,omitempty"`
	OriginID string   `json:"originId,omitempty"`
	OIDs     []string `json:"oids,omitempty"`
}

// Response is the generic envelope returned by the gateway.
type Response struct {
	Error            bool            `json:"error"`
	StatusCode       int             `json:"statusCode"`
	StatusCodeReason string          `json:"statusCodeReason"`
	ContentType      string          `json:"contentType"`
	Message          json.RawMessage `json:"message"`
}

// Failed reports a gateway-level failure carried inside a transport success.
func (r *Response) Failed() bool {
	return r.Error || r.StatusCode >= 400
}

// RemoteDescription is one entry of a TD batch answered by a peer agent.
type RemoteDescription struct {
	OID     string          `json:"oid"`
	Success bool            `json:"success"`
	TD      json.RawMessage `json:"td,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Node is an agent known to the platform.
type Node struct {
	AGID    string `json:"agid"`
	CID     string `json:"cid"`
	Company string `json:"company"`
}

// ItemPrivacy is the platform's view of an object's visibility. Status is
// empty when the platform does not report one.
type ItemPrivacy struct {
	OID     string `json:"oid"`
	Privacy int    `json:"privacy"`
	Status  string `json:"status,omitempty"`
}
