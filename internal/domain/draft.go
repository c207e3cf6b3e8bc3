package domain

import "time"

// DraftStep identifies the first incomplete step of the work-submission
// flow. It is derived from draft state, never set directly by callers.
type DraftStep string

const (
	StepIntro   DraftStep = "intro"
	StepMedia   DraftStep = "media"
	StepDetails DraftStep = "details"
	StepReview  DraftStep = "review"
)

// DraftRetentionLimit caps the number of drafts kept per user per chain.
// The least-recently-updated drafts beyond the cap are evicted.
const DraftRetentionLimit = 20

// WorkDraft is an in-progress, not-yet-submitted work record. A draft is
// promoted into a Job only at explicit submission time, never implicitly.
type WorkDraft struct {
	ID                  string
	UserAddress         string
	ChainID             int64
	GardenAddress       string // empty until chosen
	ActionUID           *int64 // nil until chosen
	Feedback            string
	PlantSelection      []string
	PlantCount          int
	CurrentStep         DraftStep
	FirstIncompleteStep DraftStep
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DraftImage is a binary attachment owned exclusively by one draft.
type DraftImage struct {
	ID         string
	DraftID    string
	Serialized []byte
	DisplayURL string
	CreatedAt  time.Time
}

// DeriveStep recomputes the first incomplete step from draft state plus the
// current image count. Order: missing garden or action wins over missing
// media, which wins over missing feedback.
func DeriveStep(d *WorkDraft, imageCount int) DraftStep {
	if d.GardenAddress == "" || d.ActionUID == nil {
		return StepIntro
	}
	if imageCount == 0 {
		return StepMedia
	}
	if d.Feedback == "" {
		return StepDetails
	}
	return StepReview
}
