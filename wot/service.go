// Package wot is the client side of the semantic description service (the
// node's Web of Things directory and graph store).
package wot

import (
	"context"
	"encoding/json"
	"net/url"
)

// Interaction kinds understood by the semantic service.
const (
	InteractionProperty = "property"
	InteractionEvent    = "event"
	InteractionAction   = "action"
)

// DescriptionSource returns and removes Thing Descriptions.
type DescriptionSource interface {
	RetrieveDescription(ctx context.Context, oid string) (json.RawMessage, error)
	DeleteDescription(ctx context.Context, oid string) error
}

// Searcher runs graph queries locally or across several agents.
type Searcher interface {
	SearchQuery(ctx context.Context, query string) (json.RawMessage, error)
	SearchFederated(ctx context.Context, query string, urls []string) (json.RawMessage, error)
}

// Interactor forwards a runtime operation to the object behind a description.
type Interactor interface {
	Interact(ctx context.Context, req InteractionRequest) (json.RawMessage, error)
}

// Service is the full semantic service contract.
type Service interface {
	DescriptionSource
	Searcher
	Interactor
	Health(ctx context.Context) error
}

// InteractionRequest addresses one interaction of one object.
type InteractionRequest struct {
	Method      string
	OID         string
	Interaction string
	IID         string
	SourceOID   string
	Body        json.RawMessage
	Params      url.Values
}
