package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleDescription(w http.ResponseWriter, r *http.Request) {
	td, err := s.deps.Consumer.Description(r.Context(), mux.Vars(r)["oid"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, td)
}

func (s *Server) handleReadProperty(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	out, err := s.deps.Consumer.ReadProperty(r.Context(), v["id"], v["oid"], v["pid"], r.URL.Query())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWriteProperty(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := s.deps.Consumer.WriteProperty(r.Context(), v["id"], v["oid"], v["pid"], json.RawMessage(body), r.URL.Query())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	out, err := s.deps.Consumer.Channels(r.Context(), v["id"], v["oid"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	out, err := s.deps.Consumer.Status(r.Context(), v["id"], v["oid"], v["eid"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	reason, err := s.deps.Consumer.Activate(r.Context(), v["id"], v["eid"])
	s.answerReason(w, r, reason, err)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	reason, err := s.deps.Consumer.Deactivate(r.Context(), v["id"], v["eid"])
	s.answerReason(w, r, reason, err)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	reason, err := s.deps.Consumer.Publish(r.Context(), v["id"], v["eid"], body)
	s.answerReason(w, r, reason, err)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	reason, err := s.deps.Consumer.Subscribe(r.Context(), v["id"], v["oid"], v["eid"])
	s.answerReason(w, r, reason, err)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	reason, err := s.deps.Consumer.Unsubscribe(r.Context(), v["id"], v["oid"], v["eid"])
	s.answerReason(w, r, reason, err)
}

func (s *Server) answerReason(w http.ResponseWriter, r *http.Request, reason string, err error) {
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, reason)
}
