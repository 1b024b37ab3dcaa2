package job

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/hbomb79/Scribe/internal/database"
)

// Status models the lifecycle of a transcription job. The numeric values are
// persisted and must never be reordered; the names form the wire vocabulary
// of the GET /status endpoint.
type Status int

const (
	StatusQueued    Status = iota // waiting in the priority queue
	StatusPrepared                // admitted by the scheduler, preprocessing
	StatusProcessed               // language detected, engine running
	StatusWhispered               // terminal: transcription complete
	StatusFailed                  // terminal: preprocessing or engine failure
	StatusCanceled                // terminal: cancelled by operator
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusPrepared:
		return "Prepared"
	case StatusProcessed:
		return "Processed"
	case StatusWhispered:
		return "Whispered"
	case StatusFailed:
		return "Failed"
	case StatusCanceled:
		return "Canceled"
	}

	return fmt.Sprintf("Unknown[%d]", s)
}

// IsTerminal reports whether no further transitions are permitted
// from this status.
func (s Status) IsTerminal() bool {
	return s == StatusWhispered || s == StatusFailed || s == StatusCanceled
}

// IsInFlight reports whether a worker currently owns the job. Jobs found
// in-flight during startup reconstruction were orphaned by a crash and
// are requeued at priority zero.
func (s Status) IsInFlight() bool {
	return s == StatusPrepared || s == StatusProcessed
}

// CanTransitionTo enforces the monotonic status progression. The single
// permitted regression is the requeue of an in-flight job back to Queued,
// which happens on graceful shutdown and on crash recovery.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsInFlight() && next == StatusQueued {
		return true
	}

	return next > s && !s.IsTerminal()
}

// Segment is a single utterance of the engine result tree, with start/end
// offsets in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the opaque-to-the-core tree the engine produces. The caption
// writers consume it; the store persists it as a JSON document.
type Result struct {
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
}

// Text joins the segment texts in order.
func (r *Result) Text() string {
	out := ""
	for i, seg := range r.Segments {
		if i > 0 {
			out += "\n"
		}
		out += seg.Text
	}

	return out
}

// Job is one submitted transcription request. The UID is unique across the
// store; the owning module is referenced by UID rather than held directly so
// the Job<->Module relationship stays acyclic.
type Job struct {
	UID             string                        `db:"uid"`
	ModuleType      string                        `db:"module_type"`
	ModuleUID       string                        `db:"module_uid"`
	Status          Status                        `db:"status"`
	Priority        int32                         `db:"priority"`
	SourceLink      *string                       `db:"source_link"`
	InitialPrompt   *string                       `db:"initial_prompt"`
	WhisperResult   database.JsonColumn[Result]   `db:"whisper_result"`
	WhisperLanguage *string                       `db:"whisper_language"`
	WhisperModel    *string                       `db:"whisper_model"`
	ErrorMessage    *string                       `db:"error_message"`
	CreatedAt       int64                         `db:"created_at"`
	StartedAt       *int64                        `db:"started_at"`
	CompletedAt     *int64                        `db:"completed_at"`
	UpdatedAt       int64                         `db:"updated_at"`
}

func New(uid string, moduleType string, moduleUID string, priority int32) *Job {
	now := time.Now().Unix()
	return &Job{
		UID:        uid,
		ModuleType: moduleType,
		ModuleUID:  moduleUID,
		Status:     StatusQueued,
		Priority:   priority,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (j *Job) String() string {
	return fmt.Sprintf("Job{uid=%s module=%s status=%s priority=%d}", j.UID, j.ModuleUID, j.Status, j.Priority)
}

// Scan/Value allow Status to flow through database/sql untouched.
func (s *Status) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*s = Status(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T in to job.Status", src)
	}
}

func (s Status) Value() (driver.Value, error) {
	return int64(s), nil
}
