package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobKind selects the payload shape of a queued submission.
type JobKind string

const (
	KindWork     JobKind = "work"
	KindApproval JobKind = "approval"
)

const (
	// MaxRetries is the number of execution attempts before a job is
	// permanently failed. The transition is irreversible.
	MaxRetries = 5

	// backoffBase and backoffCeiling bound the retry window:
	// delay = min(backoffBase << attempts, backoffCeiling).
	backoffBase    = 1 * time.Second
	backoffCeiling = 60 * time.Second
)

// Meta keys used as a free-form side channel on Job.Meta.
const (
	MetaTxHash       = "txHash"
	MetaClientWorkID = "clientWorkId"
)

// Job is one pending on-chain submission. Every query and mutation on jobs
// is scoped by UserAddress; a job with an empty user address must never be
// persisted.
type Job struct {
	ID            string
	Kind          JobKind
	Work          *WorkPayload
	Approval      *ApprovalPayload
	Meta          map[string]string
	ChainID       int64
	UserAddress   string
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	Attempts      int
	LastError     string
	Synced        bool
}

// WorkPayload is the kind-specific data for a work report submission.
type WorkPayload struct {
	GardenAddress  string   `json:"gardenAddress"`
	ActionUID      int64    `json:"actionUID"`
	Title          string   `json:"title,omitempty"`
	Feedback       string   `json:"feedback"`
	PlantSelection []string `json:"plantSelection,omitempty"`
	PlantCount     int      `json:"plantCount,omitempty"`
}

// ApprovalPayload is the kind-specific data for an approval decision.
type ApprovalPayload struct {
	WorkUID  string `json:"workUID"`
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// JobImage is a binary attachment owned exclusively by one Job. It is
// deleted when the job is deleted.
type JobImage struct {
	ID         string
	JobID      string
	Serialized []byte // CBOR-encoded SerializedFile
	DisplayURL string
	CreatedAt  time.Time
}

// JobStats are aggregate counts scoped to a single user.
type JobStats struct {
	Total   int
	Pending int
	Failed  int
	Synced  int
}

func NewJobID() string {
	return uuid.NewString()
}

// BackoffDelay returns the minimum time that must elapse after attempt
// number attempts before the next dispatch. Monotonically non-decreasing,
// capped at 60 seconds.
func BackoffDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	// Shift capped so the multiplication cannot overflow before clamping.
	shift := attempts
	if shift > 20 {
		shift = 20
	}
	d := backoffBase * time.Duration(1<<shift)
	if d > backoffCeiling || d < 0 {
		d = backoffCeiling
	}
	return d
}

// InBackoff reports whether the job is still inside its retry window at now.
// A job that has never been attempted is never in backoff.
func (j *Job) InBackoff(now time.Time) bool {
	if j.Attempts == 0 || j.LastAttemptAt == nil {
		return false
	}
	return now.Sub(*j.LastAttemptAt) < BackoffDelay(j.Attempts)
}

// Exhausted reports whether the job has used up its retry budget. An
// exhausted job is terminal and must never be dispatched again.
func (j *Job) Exhausted() bool {
	return j.Attempts >= MaxRetries
}

// ClientWorkID returns the client-side correlation id carried in Meta,
// empty when the job has none.
func (j *Job) ClientWorkID() string {
	if j.Meta == nil {
		return ""
	}
	return j.Meta[MetaClientWorkID]
}
