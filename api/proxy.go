package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/AuroralH2020/auroral-node-agent/adapter"
)

// MappedHeader tells the caller whether the answer went through a template.
const MappedHeader = "x-mapped"

// writeWrapped answers the gateway with the {"wrapper": ...} shape it relays
// back to the requesting node.
func writeWrapped(w http.ResponseWriter, body json.RawMessage) {
	if len(body) == 0 {
		body = json.RawMessage(`null`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Wrapper json.RawMessage `json:"wrapper"`
	}{Wrapper: body})
}

func (s *Server) route(w http.ResponseWriter, r *http.Request, interaction, iid string) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	req := adapter.Request{
		OID:             mux.Vars(r)["oid"],
		IID:             iid,
		Method:          r.Method,
		Interaction:     interaction,
		SourceOID:       sourceOID(r),
		Params:          r.URL.Query(),
		MappingOverride: mappingOverride(r),
	}
	if len(body) > 0 {
		req.Body = json.RawMessage(body)
	}

	resp, err := s.deps.Router.Route(r.Context(), req)
	if err != nil {
		writeError(w, r, err, resp.Body)
		return
	}
	w.Header().Set(MappedHeader, strconv.FormatBool(resp.Mapped))
	writeWrapped(w, resp.Body)
}

func (s *Server) handleProxyProperty(w http.ResponseWriter, r *http.Request) {
	s.route(w, r, adapter.InteractionProperty, mux.Vars(r)["pid"])
}

func (s *Server) handleProxyEvent(w http.ResponseWriter, r *http.Request) {
	s.route(w, r, adapter.InteractionEvent, mux.Vars(r)["eid"])
}

// handleProxyQuery answers a semantic query from another node over the
// items its origin may see.
func (s *Server) handleProxyQuery(w http.ResponseWriter, r *http.Request) {
	query, err := readQuery(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	perm, err := s.deps.Permissions.Resolve(r.Context(), sourceOID(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := s.deps.Discovery.AnswerQuery(r.Context(), mux.Vars(r)["id"], perm, query)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeWrapped(w, out)
}

func (s *Server) handleProxyDescription(w http.ResponseWriter, r *http.Request) {
	perm, err := s.deps.Permissions.Resolve(r.Context(), sourceOID(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	td, err := s.deps.Discovery.AnswerDescription(r.Context(), mux.Vars(r)["oid"], perm)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeWrapped(w, td)
}
