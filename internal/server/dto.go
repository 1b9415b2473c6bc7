package server

import (
	"encoding/json"
	"time"

	"fedboard/internal/domain"
	"fedboard/internal/engine"
)

// Request payloads

type SetPortRequest struct {
	Port int `json:"port" minimum:"1" maximum:"65535"`
}

// Response payloads

type ProjectGroups struct {
	Invite    []domain.ProjectView `json:"invite"`
	Running   []domain.ProjectView `json:"running"`
	Completed []domain.ProjectView `json:"completed"`
}

type ProjectsResponse struct {
	CycleID        string        `json:"cycle_id"`
	Identity       string        `json:"identity"`
	CatalogVersion string        `json:"catalog_version"`
	Degraded       []string      `json:"degraded"`
	RefreshedAt    time.Time     `json:"refreshed_at"`
	Stale          bool          `json:"stale"`
	Projects       ProjectGroups `json:"projects"`
}

type ActionResponse struct {
	Command      string              `json:"command"`
	Project      *domain.ProjectView `json:"project,omitempty"`
	RefreshError string              `json:"refresh_error,omitempty"`
}

type ResultsResponse struct {
	UID       string `json:"uid"`
	ResultURL string `json:"result_url"`
}

type AgentResponse struct {
	URL            string   `json:"url"`
	App            string   `json:"app"`
	Port           int      `json:"port"`
	Healthy        bool     `json:"healthy"`
	Identity       string   `json:"identity,omitempty"`
	CachedIdentity string   `json:"cached_identity,omitempty"`
	Degraded       []string `json:"degraded,omitempty"`
	RefreshError   string   `json:"refresh_error,omitempty"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	CycleID string         `json:"cycle_id,omitempty"`
	Source  string         `json:"source,omitempty"`
	Outcome string         `json:"outcome"`
	Payload map[string]any `json:"payload"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func projectsResponse(s engine.Snapshot, stale bool) ProjectsResponse {
	res := ProjectsResponse{
		CycleID:        s.CycleID,
		Identity:       s.Identity,
		CatalogVersion: s.CatalogVersion,
		Degraded:       s.Degraded,
		RefreshedAt:    s.RefreshedAt,
		Stale:          stale,
		Projects: ProjectGroups{
			Invite:    []domain.ProjectView{},
			Running:   []domain.ProjectView{},
			Completed: []domain.ProjectView{},
		},
	}
	if res.Degraded == nil {
		res.Degraded = []string{}
	}
	for _, v := range s.Views {
		switch v.Status {
		case domain.StatusInvite:
			res.Projects.Invite = append(res.Projects.Invite, v)
		case domain.StatusRunning:
			res.Projects.Running = append(res.Projects.Running, v)
		case domain.StatusCompleted:
			res.Projects.Completed = append(res.Projects.Completed, v)
		}
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		CycleID: e.CycleID,
		Source:  e.Source,
		Outcome: e.Outcome,
		Payload: decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
