// Package command defines the requests the dashboard sends to the local
// agent's command endpoint. Each request kind is its own type carrying only
// the fields it needs; the wire form is a JSON object discriminated by its
// "command" field.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Name string

const (
	NameListProjects Name = "list_projects"
	NameJoin         Name = "join"
	NameStart        Name = "start"
)

// JoinState selects between joining and leaving in a Join command.
type JoinState string

const (
	StateJoin  JoinState = "join"
	StateLeave JoinState = "leave"
)

// Command is implemented only by the variants in this package.
type Command interface {
	Name() Name
	Validate() error
	sealed()
}

// ListProjects asks the agent for the local identity's membership records.
type ListProjects struct{}

// Join joins or leaves the project identified by Source.
type Join struct {
	State  JoinState
	Source string
}

// Start moves an invite project authored by the local identity to running.
type Start struct {
	Source string
}

func (ListProjects) Name() Name { return NameListProjects }
func (Join) Name() Name         { return NameJoin }
func (Start) Name() Name        { return NameStart }

func (ListProjects) sealed() {}
func (Join) sealed()         {}
func (Start) sealed()        {}

func (ListProjects) Validate() error { return nil }

func (c Join) Validate() error {
	if c.State != StateJoin && c.State != StateLeave {
		return fmt.Errorf("join: invalid state %q", c.State)
	}
	if strings.TrimSpace(c.Source) == "" {
		return errors.New("join: source is required")
	}
	return nil
}

func (c Start) Validate() error {
	if strings.TrimSpace(c.Source) == "" {
		return errors.New("start: source is required")
	}
	return nil
}

// Leave is the Join variant that drops membership.
func Leave(source string) Join {
	return Join{State: StateLeave, Source: source}
}

type wire struct {
	Command Name      `json:"command"`
	State   JoinState `json:"state,omitempty"`
	Source  string    `json:"source,omitempty"`
}

// Encode validates c and returns its wire body.
func Encode(c Command) ([]byte, error) {
	if c == nil {
		return nil, errors.New("nil command")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var w wire
	switch v := c.(type) {
	case ListProjects:
		w = wire{Command: NameListProjects}
	case Join:
		w = wire{Command: NameJoin, State: v.State, Source: v.Source}
	case Start:
		w = wire{Command: NameStart, Source: v.Source}
	default:
		return nil, fmt.Errorf("unsupported command %T", c)
	}
	return json.Marshal(w)
}

// Decode parses a wire body back into its variant.
func Decode(data []byte) (Command, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	var c Command
	switch w.Command {
	case NameListProjects:
		c = ListProjects{}
	case NameJoin:
		c = Join{State: w.State, Source: w.Source}
	case NameStart:
		c = Start{Source: w.Source}
	default:
		return nil, fmt.Errorf("unknown command %q", w.Command)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
