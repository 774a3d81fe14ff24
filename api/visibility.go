package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/registration"
)

// visibilityInput is one entry of a visibility update. Privacy is required;
// an empty status keeps the stored one.
type visibilityInput struct {
	OID     string `json:"oid"`
	Privacy *int   `json:"privacy"`
	Status  string `json:"status"`
}

func (in visibilityInput) toVisibility() (registration.Visibility, error) {
	if in.OID == "" || in.Privacy == nil {
		return registration.Visibility{}, errs.ErrMissingParameters
	}
	if *in.Privacy < int(registration.Private) || *in.Privacy > int(registration.Public) {
		return registration.Visibility{}, fmt.Errorf("%w: privacy %d out of range", errs.ErrInvalidData, *in.Privacy)
	}
	status := registration.ParseStatus(in.Status)
	if in.Status != "" && status == "" {
		return registration.Visibility{}, fmt.Errorf("%w: status %q", errs.ErrInvalidData, in.Status)
	}
	return registration.Visibility{OID: in.OID, Privacy: registration.Privacy(*in.Privacy), Status: status}, nil
}

func decodeVisibilities(r *http.Request) ([]registration.Visibility, error) {
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		return nil, err
	}
	var inputs []visibilityInput
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		var one visibilityInput
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, errs.WrapInvalid(errs.Join(errs.ErrInvalidData, err), "api", "decodeVisibilities", "decode item")
		}
		inputs = []visibilityInput{one}
	} else if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, errs.WrapInvalid(errs.Join(errs.ErrInvalidData, err), "api", "decodeVisibilities", "decode items")
	}
	if len(inputs) == 0 {
		return nil, errs.WrapInvalid(errs.ErrMissingParameters, "api", "decodeVisibilities", "check items")
	}
	out := make([]registration.Visibility, 0, len(inputs))
	for _, in := range inputs {
		v, err := in.toVisibility()
		if err != nil {
			return nil, errs.WrapInvalid(err, "api", "decodeVisibilities", "check "+in.OID)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Server) handleGetVisibility(w http.ResponseWriter, r *http.Request) {
	vis, err := s.deps.Catalog.Visibility(r.Context(), mux.Vars(r)["oid"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, vis)
}

// handleSetVisibility applies privacy and status to registered objects. The
// whole request is refused when any OID is unknown.
func (s *Server) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	items, err := decodeVisibilities(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	ctx := r.Context()
	for _, it := range items {
		if _, err := s.deps.Catalog.Visibility(ctx, it.OID); err != nil {
			writeError(w, r, err, it.OID)
			return
		}
	}
	if err := s.deps.Catalog.SetVisibility(ctx, items); err != nil {
		writeError(w, r, err, nil)
		return
	}

	out := make([]registration.Visibility, 0, len(items))
	for _, it := range items {
		vis, err := s.deps.Catalog.Visibility(ctx, it.OID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out = append(out, vis)
	}
	loggerFrom(ctx).Info("Visibility updated", "count", len(out))
	writeJSON(w, http.StatusOK, out)
}
