package reconcile

import "fedboard/internal/domain"

// Actions returns the permissible actions for a project in the given
// status group. Rules accumulate in a fixed order, so a joined author of
// an invite project is offered both leave and start.
func Actions(status domain.Status, v domain.ProjectView) []domain.Action {
	actions := []domain.Action{}
	switch status {
	case domain.StatusInvite:
		if v.IsJoined {
			actions = append(actions, domain.ActionLeave)
		} else {
			actions = append(actions, domain.ActionJoin)
		}
		if v.IsAuthor {
			actions = append(actions, domain.ActionStart)
		}
	case domain.StatusRunning:
		// running projects offer nothing
	case domain.StatusCompleted:
		actions = append(actions, domain.ActionViewResults)
	}
	return actions
}
