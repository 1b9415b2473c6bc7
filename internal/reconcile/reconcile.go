// Package reconcile joins the project catalog with the local agent's
// membership records and identity, and derives the actions a user may
// take on each project. Everything here is a pure function of its inputs.
package reconcile

import "fedboard/internal/domain"

// Reconcile returns one decorated view per catalog project, in catalog
// order: invite, running, then completed, with in-group order preserved.
// An empty identity is never treated as an author or a participant.
func Reconcile(c domain.Catalog, active []domain.Membership, identity string) []domain.ProjectView {
	joined := make(map[string]struct{}, len(active))
	for _, m := range active {
		if m.State.Active() {
			joined[m.SourceURL] = struct{}{}
		}
	}
	views := make([]domain.ProjectView, 0, c.Len())
	for _, status := range domain.Statuses {
		for _, p := range c.Group(status) {
			views = append(views, decorate(p, status, joined, identity))
		}
	}
	return views
}

func decorate(p domain.Project, status domain.Status, joined map[string]struct{}, identity string) domain.ProjectView {
	_, isJoined := joined[p.SourceURL]
	v := domain.ProjectView{
		Project:  p,
		Status:   status,
		IsJoined: isJoined,
		IsAuthor: identity != "" && identity == p.Author,
	}
	v.EffectiveParticipants = participants(p.Datasites, identity, isJoined)
	v.Actions = Actions(status, v)
	return v
}

// participants copies declared and appends identity when joined and absent.
func participants(declared []string, identity string, isJoined bool) []string {
	out := make([]string, 0, len(declared)+1)
	seen := make(map[string]struct{}, len(declared)+1)
	for _, d := range declared {
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	if isJoined && identity != "" {
		if _, ok := seen[identity]; !ok {
			out = append(out, identity)
		}
	}
	return out
}

// Active filters raw membership records down to the active set. Records
// with a state other than join or running, or with no source reference,
// are dropped.
func Active(records []domain.Membership) []domain.Membership {
	out := make([]domain.Membership, 0, len(records))
	for _, r := range records {
		if !r.State.Active() || r.SourceURL == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Find returns the view whose project uid matches.
func Find(views []domain.ProjectView, uid string) (domain.ProjectView, bool) {
	for _, v := range views {
		if v.UID == uid {
			return v, true
		}
	}
	return domain.ProjectView{}, false
}
