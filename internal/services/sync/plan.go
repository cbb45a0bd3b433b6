package sync

import (
	"sort"

	"github.com/TheMichaelB/expensync/internal/cloud"
	"github.com/TheMichaelB/expensync/internal/models"
)

// Action is what a sync run does with one expense.
type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionUnchanged Action = "unchanged"
	ActionStale     Action = "stale" // remote copy is newer, left alone
	ActionDelete    Action = "delete"
)

// PlanItem is the classification of one expense.
type PlanItem struct {
	ExpenseID   string              `json:"expense_id"`
	Action      Action              `json:"action"`
	Expense     *models.Expense     `json:"-"`
	State       *models.SyncState   `json:"-"`
	Remote      *cloud.RemoteRecord `json:"-"`
	ContentHash string              `json:"content_hash,omitempty"`
}

// Ref is the location of the expense in the remote listing of this run.
// A row saved in an earlier run may since hold another expense, so an
// expense missing from the listing has no ref.
func (i PlanItem) Ref() string {
	if i.Remote != nil {
		return i.Remote.Ref
	}
	return ""
}

// ImageURL is the receipt currently stored on the target.
func (i PlanItem) ImageURL() string {
	if i.State != nil && i.State.ImageURL != "" {
		return i.State.ImageURL
	}
	if i.Remote != nil {
		return i.Remote.ImageURL
	}
	return ""
}

// Plan is the full classification of a target.
type Plan struct {
	Target string     `json:"target"`
	Items  []PlanItem `json:"items"`
}

// Count returns how many items have action a.
func (p *Plan) Count(a Action) int {
	n := 0
	for _, it := range p.Items {
		if it.Action == a {
			n++
		}
	}
	return n
}

// Pending returns the items a sync would write.
func (p *Plan) Pending() []PlanItem {
	var out []PlanItem
	for _, it := range p.Items {
		switch it.Action {
		case ActionCreate, ActionUpdate, ActionDelete:
			out = append(out, it)
		}
	}
	return out
}

// BuildPlan classifies local expenses against stored state and the remote
// listing. An expense is written only when its content hash differs from
// the stored one, it has no state yet, or full is set. A remote copy with a
// newer updated_at wins. States and remote records without a local expense
// are deleted.
func BuildPlan(target string, local []*models.Expense, states map[string]*models.SyncState, remote map[string]cloud.RemoteRecord, full bool) *Plan {
	plan := &Plan{Target: target}
	seen := make(map[string]bool, len(local))

	for _, e := range local {
		seen[e.ID] = true
		item := PlanItem{
			ExpenseID:   e.ID,
			Expense:     e,
			State:       states[e.ID],
			ContentHash: models.ContentHash(e),
		}
		r, onRemote := remote[e.ID]
		if onRemote {
			item.Remote = &r
		}

		switch {
		case onRemote && r.UpdatedAt.After(e.UpdatedAt):
			item.Action = ActionStale
		case item.State == nil, full, item.State.Changed(item.ContentHash):
			item.Action = ActionCreate
			if onRemote {
				item.Action = ActionUpdate
			}
		default:
			item.Action = ActionUnchanged
		}
		plan.Items = append(plan.Items, item)
	}

	orphans := make(map[string]PlanItem)
	for id, st := range states {
		if !seen[id] {
			orphans[id] = PlanItem{ExpenseID: id, Action: ActionDelete, State: st}
		}
	}
	for id, r := range remote {
		if seen[id] {
			continue
		}
		r := r
		it := orphans[id]
		it.ExpenseID = id
		it.Action = ActionDelete
		it.Remote = &r
		orphans[id] = it
	}

	ids := make([]string, 0, len(orphans))
	for id := range orphans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		plan.Items = append(plan.Items, orphans[id])
	}

	return plan
}
