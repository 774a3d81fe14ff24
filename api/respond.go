package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

const maxBodyBytes = 4 << 20

// envelope is the body of every JSON answer.
type envelope struct {
	Error   string `json:"error,omitempty"`
	Message any    `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, message any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Message: message}); err != nil {
		slog.Default().Debug("Response not written", "error", err)
	}
}

// writeError answers with the status derived from the error kind. message
// may carry a partial result and is usually nil.
func writeError(w http.ResponseWriter, r *http.Request, err error, message any) {
	kind := errs.KindOf(err)
	status := kind.HTTPStatus()
	loggerFrom(r.Context()).Warn("Request failed",
		"method", r.Method, "path", r.URL.Path, "status", status, "kind", kind.String(), "error", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: err.Error(), Message: message})
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, errs.WrapInvalid(err, "api", "readBody", "read request body")
	}
	return body, nil
}

func decodeBody(r *http.Request, out any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errs.WrapInvalid(errs.ErrMissingParameters, "api", "decodeBody", "check body")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.WrapInvalid(errs.Join(errs.ErrInvalidData, err), "api", "decodeBody", "decode body")
	}
	return nil
}

// splitList reads a comma separated query value, also accepting the key
// repeated.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// mappingOverride reads the x-mapping header. Absent or unparsable values
// leave the decision to the router.
func mappingOverride(r *http.Request) *bool {
	raw := r.Header.Get("x-mapping")
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}

// sourceOID returns the object on whose behalf the gateway forwards a request.
func sourceOID(r *http.Request) string {
	if v := r.Header.Get("sourceoid"); v != "" {
		return v
	}
	return r.Header.Get("X-sourceoid")
}
