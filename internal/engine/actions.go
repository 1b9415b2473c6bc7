package engine

import (
	"context"
	"errors"
	"fmt"

	"fedboard/internal/app"
	"fedboard/internal/command"
	"fedboard/internal/domain"
	"fedboard/internal/reconcile"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	// ErrNoCommand is returned for actions that are links rather than agent
	// commands.
	ErrNoCommand = errors.New("action has no agent command")
)

// ActionError reports an action the project's current view does not offer.
type ActionError struct {
	UID     string
	Action  domain.Action
	Offered []domain.Action
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s not available for project %s (offered: %v)", e.Action, e.UID, e.Offered)
}

// CommandFor maps an offered action on v to the agent command carrying it.
func CommandFor(v domain.ProjectView, action domain.Action) (command.Command, error) {
	if !v.Offers(action) {
		return nil, &ActionError{UID: v.UID, Action: action, Offered: v.Actions}
	}
	switch action {
	case domain.ActionJoin:
		return command.Join{State: command.StateJoin, Source: v.SourceURL}, nil
	case domain.ActionLeave:
		return command.Leave(v.SourceURL), nil
	case domain.ActionStart:
		return command.Start{Source: v.SourceURL}, nil
	}
	return nil, ErrNoCommand
}

// View returns the view for uid from the current snapshot, refreshing first
// when nothing has been published yet.
func (e *Engine) View(ctx context.Context, s app.Session, uid string) (domain.ProjectView, error) {
	snap, ok := e.Current()
	if !ok {
		var err error
		if snap, err = e.Refresh(ctx, s); err != nil {
			return domain.ProjectView{}, err
		}
	}
	v, ok := reconcile.Find(snap.Views, uid)
	if !ok {
		return domain.ProjectView{}, fmt.Errorf("%w: %s", ErrProjectNotFound, uid)
	}
	return v, nil
}

// Perform runs action on project uid. The action must be one the project's
// current view offers.
func (e *Engine) Perform(ctx context.Context, s app.Session, uid string, action domain.Action) (Outcome, error) {
	v, err := e.View(ctx, s, uid)
	if err != nil {
		return Outcome{}, err
	}
	cmd, err := CommandFor(v, action)
	if err != nil {
		return Outcome{}, err
	}
	return e.Dispatch(ctx, s, cmd)
}

// ResultsURL returns where a completed project's results live.
func (e *Engine) ResultsURL(ctx context.Context, s app.Session, uid string) (string, error) {
	v, err := e.View(ctx, s, uid)
	if err != nil {
		return "", err
	}
	if !v.Offers(domain.ActionViewResults) {
		return "", &ActionError{UID: uid, Action: domain.ActionViewResults, Offered: v.Actions}
	}
	return v.ResultURL, nil
}
