package web

import (
	"net/http"
	"time"

	"github.com/nugget/mcpagent/internal/buildinfo"
	"github.com/nugget/mcpagent/internal/connwatch"
	"github.com/nugget/mcpagent/internal/mcp"
	"github.com/nugget/mcpagent/internal/tools"
)

// SessionView is the JSON form of the session manager's state.
type SessionView struct {
	Server        string     `json:"server"`
	State         string     `json:"state"`
	ID            string     `json:"id,omitempty"`
	Transport     mcp.Kind   `json:"transport,omitempty"`
	PID           int        `json:"pid,omitempty"`
	ServerName    string     `json:"server_name,omitempty"`
	ServerVersion string     `json:"server_version,omitempty"`
	Generation    int        `json:"generation,omitempty"`
	EstablishedAt *time.Time `json:"established_at,omitempty"`
}

func sessionView(src SessionSource) SessionView {
	v := SessionView{Server: src.Name(), State: src.State().String()}
	if s, ok := src.Session(); ok {
		v.ID = s.ID
		v.Transport = s.Transport
		v.PID = s.PID
		v.ServerName = s.Server.Name
		v.ServerVersion = s.Server.Version
		v.Generation = s.Generation
		at := s.EstablishedAt
		v.EstablishedAt = &at
	}
	return v
}

// HealthView is the /healthz response body.
type HealthView struct {
	Status   string                             `json:"status"`
	Session  *SessionView                       `json:"session,omitempty"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`

	// EventStreams counts the open /events subscribers.
	EventStreams int `json:"event_streams"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    buildinfo.ClientName,
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

// handleHealth reports 200 while every watched service is ready and
// the session is not invalid or closed, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := true
	var body HealthView

	if s.cfg.Health != nil {
		body.Services = s.cfg.Health.Status()
		healthy = s.cfg.Health.Healthy()
	}
	body.EventStreams = s.cfg.Events.SubscriberCount()
	if s.cfg.Sessions != nil {
		v := sessionView(s.cfg.Sessions)
		body.Session = &v
		switch s.cfg.Sessions.State() {
		case mcp.StateInvalid, mcp.StateClosed:
			healthy = false
		}
	}

	status := http.StatusOK
	body.Status = "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		body.Status = "unhealthy"
	}
	s.writeJSON(w, status, body)
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, sessionView(s.cfg.Sessions))
}

// handleTools lists the current session's tools, establishing the
// session if needed.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Tools.List(r.Context())
	if err != nil {
		s.logger.Warn("tool listing failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, err)
		return
	}
	if list == nil {
		list = []*tools.Tool{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count": len(list),
		"tools": list,
	})
}
