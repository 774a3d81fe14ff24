// Package registry is the contract with the central platform registry, which
// also relays requests to peer agents.
//
// The core depends on the narrow interfaces declared here; HTTPClient
// implements all of them against the node's gateway.
package registry

import (
	"context"
	"encoding/json"
	"net/url"
)

// Authenticator opens and closes sessions. An empty oid addresses the gateway.
type Authenticator interface {
	Login(ctx context.Context, oid string) error
	Logout(ctx context.Context, oid string) error
}

// Registrar manages the platform-side registrations of this node.
type Registrar interface {
	PostRegistrations(ctx context.Context, agid string, items []Item) ([]RegistrationResult, error)
	UpdateRegistrations(ctx context.Context, agid string, items []Item) ([]UpdateResult, error)
	RemoveRegistrations(ctx context.Context, agid string, oids []string) ([]RemovalResult, error)
	GetRegistrations(ctx context.Context, agid string) ([]string, error)
}

// Discoverer answers discovery across the federation.
type Discoverer interface {
	Discover(ctx context.Context, id string) ([]string, error)
	DiscoverRemote(ctx context.Context, agid string, params RemoteParams) (*Response, error)
	GetAgentByOID(ctx context.Context, oid string) (string, error)
	OrganisationNodes(ctx context.Context, cid string) ([]Node, error)
	CommunityNodes(ctx context.Context, commID string) ([]Node, error)
	OrganisationItems(ctx context.Context) ([]string, error)
	ContractItems(ctx context.Context, ctid, oid string) (json.RawMessage, error)
}

// Consumer reaches properties and event channels of remote objects.
type Consumer interface {
	GetProperty(ctx context.Context, id, oid, pid string, params url.Values) (*Response, error)
	PutProperty(ctx context.Context, id, oid, pid string, body json.RawMessage, params url.Values) (*Response, error)
	EventChannels(ctx context.Context, id, oid string) (*Response, error)
	ActivateEventChannel(ctx context.Context, id, eid string) (*Response, error)
	DeactivateEventChannel(ctx context.Context, id, eid string) (*Response, error)
	PublishEvent(ctx context.Context, id, eid string, body json.RawMessage) (*Response, error)
	EventChannelStatus(ctx context.Context, id, oid, eid string) (*Response, error)
	Subscribe(ctx context.Context, id, oid, eid string) (*Response, error)
	Unsubscribe(ctx context.Context, id, oid, eid string) (*Response, error)
}

// PrivacySource reports the visibility the platform holds for local items.
type PrivacySource interface {
	ItemsPrivacy(ctx context.Context) ([]ItemPrivacy, error)
}

// Client is everything the agent needs from the platform.
type Client interface {
	Authenticator
	Registrar
	Discoverer
	Consumer
	PrivacySource
	Health(ctx context.Context) error
}

// CredentialSource returns the basic-auth token of a registered object.
type CredentialSource interface {
	Credentials(ctx context.Context, oid string) (string, error)
}
