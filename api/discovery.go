package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

// readQuery takes the SPARQL text from the query parameter, a
// {"sparql": "..."} body or the raw body, in that order.
func readQuery(r *http.Request) (string, error) {
	if q := r.URL.Query().Get("query"); q != "" {
		return q, nil
	}
	body, err := readBody(r)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var wrapped struct {
			SPARQL string `json:"sparql"`
		}
		if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.SPARQL != "" {
			text = wrapped.SPARQL
		}
	}
	if text == "" {
		return "", errs.WrapInvalid(errs.ErrMissingParameters, "api", "readQuery", "check query")
	}
	return text, nil
}

func (s *Server) handleLocalDiscovery(w http.ResponseWriter, r *http.Request) {
	oids, err := s.deps.Discovery.LocalDiscovery(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err, oids)
		return
	}
	writeJSON(w, http.StatusOK, oids)
}

func (s *Server) handleLocalQuery(w http.ResponseWriter, r *http.Request) {
	query, err := readQuery(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := s.deps.Discovery.LocalQuery(r.Context(), query)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRemoteQuery also serves the federation callbacks issued by the
// semantic service, so remote failures still answer with an empty result.
func (s *Server) handleRemoteQuery(w http.ResponseWriter, r *http.Request) {
	query, err := readQuery(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := s.deps.Discovery.RemoteQuery(r.Context(), mux.Vars(r)["agid"], query)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRemoteDescriptions(w http.ResponseWriter, r *http.Request) {
	oids := splitList(r.URL.Query()["oids"])
	if len(oids) == 0 {
		writeError(w, r, errs.WrapInvalid(errs.ErrMissingParameters, "api", "handleRemoteDescriptions", "check oids"), nil)
		return
	}
	items, err := s.deps.Discovery.DiscoverDescriptions(r.Context(), mux.Vars(r)["agid"], oids)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleFederatedQuery(w http.ResponseWriter, r *http.Request) {
	agids := splitList(r.URL.Query()["agids"])
	if len(agids) == 0 {
		writeError(w, r, errs.WrapInvalid(errs.ErrMissingParameters, "api", "handleFederatedQuery", "check agids"), nil)
		return
	}
	query, err := readQuery(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := s.deps.Discovery.FederatedQuery(r.Context(), query, agids)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFederatedOrganisation(w http.ResponseWriter, r *http.Request) {
	query, err := readQuery(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := s.deps.Discovery.FederatedQueryOrganisation(r.Context(), query, mux.Vars(r)["cid"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFederatedCommunity(w http.ResponseWriter, r *http.Request) {
	query, err := readQuery(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := s.deps.Discovery.FederatedQueryCommunity(r.Context(), query, mux.Vars(r)["commid"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOrganisationNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Discovery.OrganisationNodes(r.Context(), mux.Vars(r)["cid"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleCommunityNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Discovery.CommunityNodes(r.Context(), mux.Vars(r)["commid"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleOrganisationItems(w http.ResponseWriter, r *http.Request) {
	oids, err := s.deps.Discovery.OrganisationItems(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, oids)
}

func (s *Server) handleContractItems(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	items, err := s.deps.Discovery.ContractItems(r.Context(), v["ctid"], v["oid"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, items)
}
