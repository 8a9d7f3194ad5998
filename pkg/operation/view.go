package operation

import (
	"encoding/json"
	"time"
)

const (
	// DateTimeLayout renders timestamps in client-visible views.
	DateTimeLayout = "2006.01.02 15:04:05"

	// TaskNameLayout names experiment artifacts after the start time.
	TaskNameLayout = "task_2006.01.02_15:04:05"

	// NoneSentinel stands in for a timestamp that is not set yet.
	NoneSentinel = "None"
)

// View is the client-visible form of a record. Every timestamp field is
// always present, either formatted or NoneSentinel.
type View struct {
	ID          int64     `json:"id"`
	DeployID    int64     `json:"deploy_id"`
	RequestType string    `json:"request_type"`
	Kwargs      Arguments `json:"request_kwargs"`
	RequestTime string    `json:"request_time"`
	Start       string    `json:"request_start"`
	End         string    `json:"request_end"`
	Status      Status    `json:"status"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error"`
}

// View renders r for clients.
func (r *Record) View() View {
	args := r.Arguments
	if args == nil {
		args = Arguments{}
	}
	outcome := string(r.Outcome)
	if outcome == "" {
		outcome = NoneSentinel
	}
	return View{
		ID:          r.ID,
		DeployID:    r.ResourceID,
		RequestType: string(r.Kind),
		Kwargs:      args,
		RequestTime: formatTime(&r.SubmittedAt),
		Start:       formatTime(r.StartedAt),
		End:         formatTime(r.FinishedAt),
		Status:      r.Status(),
		Outcome:     outcome,
		Error:       r.Error,
	}
}

// String renders the record view as JSON.
func (r *Record) String() string {
	b, err := json.Marshal(r.View())
	if err != nil {
		return "{}"
	}
	return string(b)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return NoneSentinel
	}
	return t.UTC().Format(DateTimeLayout)
}
