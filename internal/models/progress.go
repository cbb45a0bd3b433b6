package models

// SyncStep is a phase of a sync run.
type SyncStep string

const (
	StepIdle            SyncStep = "idle"
	StepConnecting      SyncStep = "connecting"
	StepFetching        SyncStep = "fetching"
	StepCreatingSheets  SyncStep = "creating_sheets"
	StepUploadingImages SyncStep = "uploading_images"
	StepSyncingExpenses SyncStep = "syncing_expenses"
	StepCompleted       SyncStep = "completed"
	StepError           SyncStep = "error"
)

// Label is a human readable step name.
func (s SyncStep) Label() string {
	switch s {
	case StepIdle:
		return "Idle"
	case StepConnecting:
		return "Connecting"
	case StepFetching:
		return "Fetching remote data"
	case StepCreatingSheets:
		return "Preparing target"
	case StepUploadingImages:
		return "Uploading images"
	case StepSyncingExpenses:
		return "Syncing expenses"
	case StepCompleted:
		return "Completed"
	case StepError:
		return "Failed"
	default:
		return string(s)
	}
}

// Terminal reports whether no further steps follow.
func (s SyncStep) Terminal() bool {
	return s == StepCompleted || s == StepError
}

// SyncProgress is a point-in-time snapshot of a sync run.
type SyncProgress struct {
	Target      string   `json:"target"`
	Step        SyncStep `json:"step"`
	Completed   int      `json:"completed"`
	Total       int      `json:"total"`
	CurrentItem string   `json:"current_item,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

// Percent returns completion of the current step, 0-100.
func (p SyncProgress) Percent() float64 {
	if p.Step == StepCompleted {
		return 100
	}
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.Completed) / float64(p.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
