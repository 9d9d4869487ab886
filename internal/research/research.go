package research

import "time"

// Status is the lifecycle state of a Research.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusIncomplete Status = "incomplete"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusProcessing, StatusCompleted,
	StatusFailed, StatusCancelled, StatusIncomplete,
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusIncomplete:
		return true
	}
	return false
}

func (s Status) stage() int {
	switch {
	case s == StatusPending:
		return 0
	case s == StatusProcessing:
		return 1
	case s.Terminal():
		return 2
	}
	return -1
}

// CanMoveTo reports whether a record in s may take status to. Status only
// advances: pending, then processing, then one terminal state. Re-applying
// the current status is allowed.
func (s Status) CanMoveTo(to Status) bool {
	if to == s {
		return true
	}
	return to.stage() > s.stage() && !s.Terminal()
}

// Research is one submitted question and its outcome.
type Research struct {
	ID            string    `json:"id"`
	Question      string    `json:"question"`
	Status        Status    `json:"status"`
	Result        string    `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	UpstreamJobID string    `json:"upstreamJobId,omitempty"`
	WebhookURL    string    `json:"webhookUrl,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Status        *Status
	Result        *string
	Error         *string
	UpstreamJobID *string
}

// Ptr returns a pointer to v, for building a Patch inline.
func Ptr[T any](v T) *T { return &v }

func (p Patch) apply(r *Research) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Result != nil {
		r.Result = *p.Result
	}
	if p.Error != nil {
		r.Error = *p.Error
	}
	if p.UpstreamJobID != nil {
		r.UpstreamJobID = *p.UpstreamJobID
	}
}
