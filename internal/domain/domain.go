package domain

import (
	"encoding/json"
	"fmt"
)

// Status names the catalog group a project is listed under.
type Status string

const (
	StatusInvite    Status = "invite"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Statuses lists the catalog groups in display order.
var Statuses = []Status{StatusInvite, StatusRunning, StatusCompleted}

func (s Status) Valid() bool {
	switch s {
	case StatusInvite, StatusRunning, StatusCompleted:
		return true
	}
	return false
}

type Project struct {
	UID           string            `json:"uid" validate:"required"`
	Name          string            `json:"name" validate:"required"`
	Description   string            `json:"description"`
	SourceURL     string            `json:"sourceUrl" validate:"required"`
	FileTimestamp float64           `json:"file_timestamp" validate:"gte=0"`
	Author        string            `json:"author" validate:"required"`
	Language      string            `json:"language"`
	Datasites     []string          `json:"datasites"`
	Code          map[string]string `json:"code,omitempty"`
	SharedInputs  SharedInputs      `json:"sharedInputs,omitempty"`
	ResultURL     string            `json:"resultUrl,omitempty"`
}

// SharedInputs is the set of declared shared-input names. Publishers emit
// either a single string or a list; both decode to a list.
type SharedInputs []string

func (s *SharedInputs) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var single *string
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("sharedInputs: expected string or list of strings")
	}
	if single == nil || *single == "" {
		*s = nil
		return nil
	}
	*s = SharedInputs{*single}
	return nil
}

// Catalog partitions every known project into exactly one status group.
type Catalog struct {
	Invite    []Project `json:"invite" validate:"dive"`
	Running   []Project `json:"running" validate:"dive"`
	Completed []Project `json:"completed" validate:"dive"`
}

// Group returns the projects listed under status.
func (c Catalog) Group(status Status) []Project {
	switch status {
	case StatusInvite:
		return c.Invite
	case StatusRunning:
		return c.Running
	case StatusCompleted:
		return c.Completed
	}
	return nil
}

func (c Catalog) Len() int {
	return len(c.Invite) + len(c.Running) + len(c.Completed)
}

type MembershipState string

const (
	MembershipJoin    MembershipState = "join"
	MembershipRunning MembershipState = "running"
)

// Active reports whether the state counts as membership.
func (s MembershipState) Active() bool {
	return s == MembershipJoin || s == MembershipRunning
}

// Membership is an active membership record projected to its matching key.
type Membership struct {
	State     MembershipState `json:"state"`
	SourceURL string          `json:"sourceUrl"`
}

type Action string

const (
	ActionJoin        Action = "join"
	ActionLeave       Action = "leave"
	ActionStart       Action = "start"
	ActionViewResults Action = "view_results"
)

// ProjectView is a catalog project decorated for the local identity.
type ProjectView struct {
	Project
	Status                Status   `json:"status"`
	IsJoined              bool     `json:"is_joined"`
	IsAuthor              bool     `json:"is_author"`
	EffectiveParticipants []string `json:"effective_participants"`
	Actions               []Action `json:"actions"`
}

// Offers reports whether action is among the view's permissible actions.
func (v ProjectView) Offers(action Action) bool {
	for _, a := range v.Actions {
		if a == action {
			return true
		}
	}
	return false
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	CycleID string `json:"cycle_id,omitempty"`
	Source  string `json:"source,omitempty"`
	Outcome string `json:"outcome"`
	Payload string `json:"payload_json"`
}
