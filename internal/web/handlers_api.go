package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"agent-gateway/internal/agent"
	"agent-gateway/internal/model"
	"agent-gateway/internal/status"
	"agent-gateway/internal/store"
)

// agentView is an agent together with its adapter status.
type agentView struct {
	*model.Agent
	Status status.Status `json:"status,omitempty"`
}

func (s *Server) viewAgent(a *model.Agent) agentView {
	st, _ := s.agents.AgentStatus(a.ID)
	return agentView{Agent: a, Status: st}
}

func (s *Server) handleAPIListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.ListAgents()
	if err != nil {
		s.writeError(w, "list agents", err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, s.viewAgent(a))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.agents.GetAgent(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get agent", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.viewAgent(a))
}

func (s *Server) handleAPICreateAgent(w http.ResponseWriter, r *http.Request) {
	var a model.Agent
	if !s.decode(w, r, &a) {
		return
	}
	if a.Protocol == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "protocol is required"})
		return
	}
	created, err := s.agents.CreateAgent(&a)
	if err != nil {
		s.writeError(w, "create agent", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.viewAgent(created))
}

func (s *Server) handleAPIUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var a model.Agent
	if !s.decode(w, r, &a) {
		return
	}
	a.ID = r.PathValue("id")
	if err := s.agents.UpdateAgent(&a); err != nil {
		s.writeError(w, "update agent", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.viewAgent(&a))
}

func (s *Server) handleAPIDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.DeleteAgent(r.PathValue("id")); err != nil {
		s.writeError(w, "delete agent", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.agents.ListAssets()
	if err != nil {
		s.writeError(w, "list assets", err)
		return
	}
	s.writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleAPIGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.agents.GetAsset(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get asset", err)
		return
	}
	s.writeJSON(w, http.StatusOK, asset)
}

func (s *Server) handleAPICreateAsset(w http.ResponseWriter, r *http.Request) {
	var asset model.Asset
	if !s.decode(w, r, &asset) {
		return
	}
	if asset.ID != "" {
		if _, err := s.agents.GetAsset(asset.ID); err == nil {
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": "asset already exists"})
			return
		}
	}
	s.saveAsset(w, &asset, http.StatusCreated)
}

func (s *Server) handleAPIUpdateAsset(w http.ResponseWriter, r *http.Request) {
	var asset model.Asset
	if !s.decode(w, r, &asset) {
		return
	}
	asset.ID = r.PathValue("id")
	if _, err := s.agents.GetAsset(asset.ID); err != nil {
		s.writeError(w, "update asset", err)
		return
	}
	s.saveAsset(w, &asset, http.StatusOK)
}

func (s *Server) saveAsset(w http.ResponseWriter, asset *model.Asset, code int) {
	if err := normalizeAsset(asset); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	saved, err := s.agents.SaveAsset(asset)
	if err != nil {
		s.writeError(w, "save asset", err)
		return
	}
	s.writeJSON(w, code, saved)
}

// normalizeAsset checks attribute names are present and unique.
func normalizeAsset(asset *model.Asset) error {
	seen := make(map[string]bool, len(asset.Attributes))
	for _, attr := range asset.Attributes {
		if attr == nil || attr.Name == "" {
			return errors.New("attribute name is required")
		}
		if seen[attr.Name] {
			return errors.New("duplicate attribute " + attr.Name)
		}
		seen[attr.Name] = true
		if attr.Type == "" {
			attr.Type = model.TypeAny
		}
	}
	return nil
}

func (s *Server) handleAPIDeleteAsset(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.DeleteAsset(r.PathValue("id")); err != nil {
		s.writeError(w, "delete asset", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type writeAttributeRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleAPIWriteAttribute(w http.ResponseWriter, r *http.Request) {
	var req writeAttributeRequest
	if !s.decode(w, r, &req) {
		return
	}
	ref := model.AttributeRef{EntityID: r.PathValue("id"), Name: r.PathValue("name")}
	if err := s.agents.WriteAttribute(model.NewEvent(ref, req.Value, model.SourceUser)); err != nil {
		s.writeError(w, "write attribute", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleAPIProtocols(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.agents.Protocols())
}

// decode reads a JSON request body, answering 400 when it is invalid.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError maps gateway errors to HTTP statuses. Unexpected errors are
// logged and answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, agent.ErrUnknownProtocol):
		code = http.StatusBadRequest
	case errors.Is(err, agent.ErrExists):
		code = http.StatusConflict
	case errors.Is(err, agent.ErrReadOnly):
		code = http.StatusForbidden
	case errors.Is(err, agent.ErrNoRoute):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
		s.writeJSON(w, code, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
