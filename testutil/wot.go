package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/wot"
)

// FakeSemantic is an in-memory wot.Service holding Thing Descriptions by OID.
type FakeSemantic struct {
	recorder

	SearchFunc    func(ctx context.Context, query string) (json.RawMessage, error)
	FederatedFunc func(ctx context.Context, query string, urls []string) (json.RawMessage, error)
	InteractFunc  func(ctx context.Context, req wot.InteractionRequest) (json.RawMessage, error)
	DeleteErr     error

	state sync.Mutex
	tds   map[string]json.RawMessage
}

var _ wot.Service = (*FakeSemantic)(nil)

// NewFakeSemantic creates an empty semantic service.
func NewFakeSemantic() *FakeSemantic {
	return &FakeSemantic{tds: make(map[string]json.RawMessage)}
}

// PutDescription stores td for oid.
func (f *FakeSemantic) PutDescription(oid string, td string) {
	f.state.Lock()
	f.tds[oid] = json.RawMessage(td)
	f.state.Unlock()
}

func (f *FakeSemantic) RetrieveDescription(_ context.Context, oid string) (json.RawMessage, error) {
	f.record("RetrieveDescription", oid)
	f.state.Lock()
	defer f.state.Unlock()
	td, ok := f.tds[oid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrObjectNotFound, oid)
	}
	return td, nil
}

func (f *FakeSemantic) DeleteDescription(_ context.Context, oid string) error {
	f.record("DeleteDescription", oid)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.state.Lock()
	delete(f.tds, oid)
	f.state.Unlock()
	return nil
}

func (f *FakeSemantic) SearchQuery(ctx context.Context, query string) (json.RawMessage, error) {
	f.record("SearchQuery", query)
	if f.SearchFunc != nil {
		return f.SearchFunc(ctx, query)
	}
	return json.RawMessage(`{"head":{"vars":[]},"results":{"bindings":[]}}`), nil
}

func (f *FakeSemantic) SearchFederated(ctx context.Context, query string, urls []string) (json.RawMessage, error) {
	f.record("SearchFederated", query, urls)
	if f.FederatedFunc != nil {
		return f.FederatedFunc(ctx, query, urls)
	}
	return json.RawMessage(`{"head":{"vars":[]},"results":{"bindings":[]}}`), nil
}

func (f *FakeSemantic) Interact(ctx context.Context, req wot.InteractionRequest) (json.RawMessage, error) {
	f.record("Interact", req)
	if f.InteractFunc != nil {
		return f.InteractFunc(ctx, req)
	}
	return json.RawMessage(`{"semantic":true}`), nil
}

func (f *FakeSemantic) Health(context.Context) error {
	f.record("Health")
	return nil
}
