package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/health"
	"github.com/AuroralH2020/auroral-node-agent/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, health.Summary(s.deps.Health.Run(r.Context())))
}

// handleHealthReport serves the detailed report, answering 503 while a
// critical dependency is down.
func (s *Server) handleHealthReport(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Health.Run(r.Context())
	status := http.StatusOK
	if report.Level == health.LevelDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.Sessions())
}

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Registrations.Audit(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleLogin logs the gateway in, or the object named in the path.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	oid := mux.Vars(r)["oid"]
	if oid == "" {
		if err := s.deps.Sessions.LoginGateway(r.Context(), 0); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if failed := s.deps.Sessions.LoginObjects(r.Context(), []string{oid}); len(failed) > 0 {
		writeError(w, r, errs.Upstream(errs.ErrLoginExhausted, "api", "handleLogin", "log in "+oid), nil)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Logout(r.Context(), mux.Vars(r)["oid"]); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	oids, err := s.deps.Catalog.List(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if oids == nil {
		oids = []string{}
	}
	writeJSON(w, http.StatusOK, oids)
}

func (s *Server) handleGetRegistration(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Catalog.Get(r.Context(), mux.Vars(r)["oid"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// decodeItems accepts a single item or an array of items.
func decodeItems(r *http.Request) ([]registry.Item, error) {
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		return nil, err
	}
	var items []registry.Item
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		var one registry.Item
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, errs.WrapInvalid(errs.Join(errs.ErrInvalidData, err), "api", "decodeItems", "decode item")
		}
		items = []registry.Item{one}
	} else if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errs.WrapInvalid(errs.Join(errs.ErrInvalidData, err), "api", "decodeItems", "decode items")
	}
	if len(items) == 0 {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, "api", "decodeItems", "check items")
	}
	return items, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	items, err := decodeItems(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	res, err := s.deps.Registrations.RegisterObjects(r.Context(), items)
	if err != nil {
		writeError(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	items, err := decodeItems(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	res, err := s.deps.Registrations.UpdateObjects(r.Context(), items)
	if err != nil {
		writeError(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRemove accepts {"oids": [...]} or a bare array of OIDs.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		writeError(w, r, err, nil)
		return
	}
	var oids []string
	if err := json.Unmarshal(raw, &oids); err != nil {
		var wrapped struct {
			OIDs []string `json:"oids"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			writeError(w, r, errs.WrapInvalid(errs.Join(errs.ErrInvalidData, err), "api", "handleRemove", "decode oids"), nil)
			return
		}
		oids = wrapped.OIDs
	}
	if len(oids) == 0 {
		writeError(w, r, errs.WrapInvalid(errs.ErrMissingParameters, "api", "handleRemove", "check oids"), nil)
		return
	}

	res, err := s.deps.Registrations.RemoveObjects(r.Context(), oids)
	if err != nil {
		writeError(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleNotification always acknowledges so the platform does not resend.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	nid := mux.Vars(r)["nid"]
	if err := s.deps.Notifier.Notify(r.Context(), nid); err != nil {
		loggerFrom(r.Context()).Error("Notification could not be processed", "nid", nid, "error", err)
	}
	writeJSON(w, http.StatusOK, nil)
}
