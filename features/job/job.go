package job

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusFailed:
		return true
	}
	return false
}

var (
	ErrNotFound       = errors.New("job not found")
	ErrLeased         = errors.New("job is currently leased")
	ErrAlreadySent    = errors.New("job already sent")
	ErrSubjectMissing = errors.New("job subject missing")
	ErrInvalidStatus  = errors.New("invalid job status")
)

// Job is one scheduled occurrence of a subject's recurring horoscope.
type Job struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id,omitempty"`
	Status         Status     `json:"status"`
	MessageType    string     `json:"messagetype,omitempty"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
	LockedBy       string     `json:"locked_by,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	SchemaVersion  string     `json:"schema_version,omitempty"`
	CalcVersion    string     `json:"calc_version,omitempty"`
	FactsHash      string     `json:"facts_hash,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	RunID          string     `json:"run_id,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	SentAt         *time.Time `json:"sentat,omitempty"`

	// Facts is the compute payload cached alongside FactsHash for replays.
	Facts json.RawMessage `json:"facts,omitempty"`
}

// HasComputedFacts reports whether the expensive compute step already ran for
// this row, in which case a retry replays the stored facts.
func (j Job) HasComputedFacts() bool {
	return j.SchemaVersion != "" && j.CalcVersion != "" && j.FactsHash != ""
}

type BirthPlace struct {
	Lat         *float64
	Lon         *float64
	PlaceID     string
	Name        string
	CountryCode string
}

// Subject is the user a job is generated for.
type Subject struct {
	ID               string
	FullName         string
	FirstName        string
	DateOfBirth      *time.Time
	TimeOfBirth      *string
	BirthTimeUnknown bool
	BirthPlace       BirthPlace
	Language         string
	PlanTier         string
	SubscriptionType string
	Channel          string
	SendTo           string
}

// DisplayName is the first name used in generated content.
func (s Subject) DisplayName() string {
	if n := strings.TrimSpace(s.FirstName); n != "" {
		return n
	}
	if fields := strings.Fields(s.FullName); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// BirthTime returns nil when the time is absent or flagged unknown.
func (s Subject) BirthTime() *string {
	if s.BirthTimeUnknown || s.TimeOfBirth == nil || strings.TrimSpace(*s.TimeOfBirth) == "" {
		return nil
	}
	t := strings.TrimSpace(*s.TimeOfBirth)
	return &t
}

// CandidateQuery selects rows eligible for claiming at Now.
type CandidateQuery struct {
	Now          time.Time
	LeaseCutoff  time.Time
	MaxAttempts  int
	Limit        int
	FailedCutoff *time.Time
}

type ClaimParams struct {
	JobID          string
	RunID          string
	Now            time.Time
	IdempotencyKey string
	MaxAttempts    int
	LeaseCutoff    time.Time
	FailedCutoff   *time.Time
}

type ComputedFacts struct {
	JobID         string
	RunID         string
	SchemaVersion string
	CalcVersion   string
	FactsHash     string
	Facts         json.RawMessage
	Now           time.Time
}

type SentRecord struct {
	JobID             string
	RunID             string
	ProviderMessageID string
	Content           string
	PromptVersion     string
	FactsHash         string
	CalcVersion       string
	SchemaVersion     string
	Now               time.Time
}

type FailureRecord struct {
	JobID        string
	RunID        string
	ErrorCode    string
	ErrorMessage string
	Now          time.Time
}

// Counts is a snapshot of the job table by lifecycle state.
type Counts struct {
	Queued    int `json:"queued"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Leased    int `json:"leased"`
}
