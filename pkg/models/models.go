// Package models contains the shared data types used by the Kiln core:
// printers, jobs, outcomes, events, audit records, and webhook
// subscriptions. These types mirror the persistence schema and are shared
// by the store, scheduler, adapters, and the core facade.
package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// BackendKind identifies the protocol family an adapter speaks.
type BackendKind string

const (
	BackendOctoPrint BackendKind = "octoprint"
	BackendMoonraker BackendKind = "moonraker"
	BackendBambu     BackendKind = "bambu"
	BackendSDCP      BackendKind = "sdcp"
)

// Valid reports whether the backend kind is one of the supported families.
func (k BackendKind) Valid() bool {
	switch k {
	case BackendOctoPrint, BackendMoonraker, BackendBambu, BackendSDCP:
		return true
	default:
		return false
	}
}

// String returns the string value of the BackendKind.
func (k BackendKind) String() string { return string(k) }

// PrinterID identifies a registered printer. Immutable after registration.
type PrinterID struct {
	Name    string      `json:"name"`
	Backend BackendKind `json:"backend"`
}

// String renders the id as "name (backend)" for logs and errors.
func (p PrinterID) String() string { return p.Name + " (" + string(p.Backend) + ")" }

// Capabilities is the feature set an adapter declares at construction.
// The record is immutable for the adapter's lifetime.
type Capabilities struct {
	CanSetTemp        bool   `json:"can_set_temp"`
	CanSendGCode      bool   `json:"can_send_gcode"`
	CanSnapshot       bool   `json:"can_snapshot"`
	CanUpdateFirmware bool   `json:"can_update_firmware"`
	DeviceType        string `json:"device_type"`
}

// PrinterStatus is the normalized printer state. Every backend state maps
// to exactly one value; StatusUnknown is reserved for genuinely unmapped
// backend states and triggers a warning event.
type PrinterStatus string

const (
	StatusIdle     PrinterStatus = "idle"
	StatusPrinting PrinterStatus = "printing"
	StatusPaused   PrinterStatus = "paused"
	StatusError    PrinterStatus = "error"
	StatusOffline  PrinterStatus = "offline"
	StatusBusy     PrinterStatus = "busy"
	StatusUnknown  PrinterStatus = "unknown"
)

// Valid reports whether the status is one of the normalized values.
func (s PrinterStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusPrinting, StatusPaused, StatusError, StatusOffline, StatusBusy, StatusUnknown:
		return true
	default:
		return false
	}
}

// String returns the string value of the PrinterStatus.
func (s PrinterStatus) String() string { return string(s) }

// TempReading is an actual/target temperature pair in °C.
// Nil means unknown; zero is a real reading, never a sentinel.
type TempReading struct {
	Actual *float64 `json:"actual"`
	Target *float64 `json:"target"`
}

// PrinterState is the snapshot returned by an adapter status poll.
type PrinterState struct {
	Status           PrinterStatus `json:"status"`
	ToolTemps        []TempReading `json:"tool_temps,omitempty"`
	BedTemp          *TempReading  `json:"bed_temp,omitempty"`
	ChamberTemp      *TempReading  `json:"chamber_temp,omitempty"`
	JobProgress      *float64      `json:"job_progress,omitempty"` // 0.0-1.0
	ElapsedSeconds   *int64        `json:"elapsed_seconds,omitempty"`
	RemainingSeconds *int64        `json:"remaining_seconds,omitempty"`
	FileName         *string       `json:"file_name,omitempty"`
	ErrorMessage     *string       `json:"error_message,omitempty"`
}

// PrinterFile describes a file stored on a printer.
type PrinterFile struct {
	Name     string     `json:"name"`
	Size     int64      `json:"size,omitempty"`
	Modified *time.Time `json:"modified,omitempty"`
}

// TempTargets carries the optional temperature targets for SetTemperature.
type TempTargets struct {
	Hotend  *float64 `json:"hotend,omitempty"`
	Bed     *float64 `json:"bed,omitempty"`
	Chamber *float64 `json:"chamber,omitempty"`
}

// SafetyProfile is the per-model record of physical limits. Profiles are
// loaded from a bundled read-only dataset keyed by profile id.
type SafetyProfile struct {
	ID                string   `yaml:"id" json:"id"`
	MaxHotendC        float64  `yaml:"max_hotend_c" json:"max_hotend_c"`
	MaxBedC           float64  `yaml:"max_bed_c" json:"max_bed_c"`
	MaxChamberC       float64  `yaml:"max_chamber_c" json:"max_chamber_c"`
	MaxFeedrateMMMin  float64  `yaml:"max_feedrate_mm_min" json:"max_feedrate_mm_min"`
	MaxVolumetricFlow float64  `yaml:"max_volumetric_flow_mm3_s" json:"max_volumetric_flow_mm3_s"`
	BuildVolumeMM     [3]int   `yaml:"build_volume_mm,omitempty" json:"build_volume_mm,omitempty"`
	Notes             []string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// JobState is the lifecycle state of a print job.
// submitted → queued → dispatched → running → {completed|failed|cancelled},
// with running → failed_retryable → queued on retryable failures.
type JobState string

const (
	JobSubmitted       JobState = "submitted"
	JobQueued          JobState = "queued"
	JobDispatched      JobState = "dispatched"
	JobRunning         JobState = "running"
	JobCompleted       JobState = "completed"
	JobFailed          JobState = "failed"
	JobFailedRetryable JobState = "failed_retryable"
	JobCancelled       JobState = "cancelled"
)

// Valid reports whether the state is one of the allowed values.
func (s JobState) Valid() bool {
	switch s {
	case JobSubmitted, JobQueued, JobDispatched, JobRunning,
		JobCompleted, JobFailed, JobFailedRetryable, JobCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobState.
func (s JobState) String() string { return string(s) }

// IsTerminal reports whether the state ends the job's lifecycle.
// failed_retryable is not terminal; the scheduler re-queues it.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is a queued print request and its scheduling state.
type Job struct {
	ID               string     `json:"id" db:"id"`
	Filename         string     `json:"filename" db:"filename"`
	TargetPrinter    *string    `json:"target_printer,omitempty" db:"target_printer"` // nil → auto-route
	Priority         int        `json:"priority" db:"priority"`
	Material         *string    `json:"material,omitempty" db:"material"`
	FileHash         string     `json:"file_hash" db:"file_hash"`
	SubmittedAt      time.Time  `json:"submitted_at" db:"submitted_at"`
	State            JobState   `json:"state" db:"state"`
	RetriesRemaining int        `json:"retries_remaining" db:"retries_remaining"`
	RetryNotBefore   *time.Time `json:"retry_not_before,omitempty" db:"retry_not_before"`
	AssignedPrinter  *string    `json:"assigned_printer,omitempty" db:"assigned_printer"`
	FailureReason    *string    `json:"failure_reason,omitempty" db:"failure_reason"`
}

// NewJob constructs a submitted job with a fresh ULID. The caller persists
// it and transitions it to queued.
func NewJob(filename, fileHash string, priority int, now time.Time) Job {
	return Job{
		ID:          ulid.Make().String(),
		Filename:    filename,
		FileHash:    fileHash,
		Priority:    priority,
		SubmittedAt: now.UTC(),
		State:       JobSubmitted,
	}
}

// OutcomeResult classifies how a print finished.
type OutcomeResult string

const (
	ResultSuccess   OutcomeResult = "success"
	ResultFailed    OutcomeResult = "failed"
	ResultCancelled OutcomeResult = "cancelled"
	ResultPartial   OutcomeResult = "partial"
)

// Valid reports whether the result is one of the allowed values.
func (r OutcomeResult) Valid() bool {
	switch r {
	case ResultSuccess, ResultFailed, ResultCancelled, ResultPartial:
		return true
	default:
		return false
	}
}

// String returns the string value of the OutcomeResult.
func (r OutcomeResult) String() string { return string(r) }

// Outcome is the durable record of how a job finished. Outcomes weakly
// reference jobs by id string; deleting a job does not cascade.
type Outcome struct {
	JobID           string             `json:"job_id" db:"job_id"`
	PrinterID       string             `json:"printer_id" db:"printer_id"`
	Result          OutcomeResult      `json:"result" db:"result"`
	QualityGrade    *string            `json:"quality_grade,omitempty" db:"quality_grade"`
	FailureMode     *string            `json:"failure_mode,omitempty" db:"failure_mode"`
	DurationSeconds int64              `json:"duration_seconds" db:"duration_seconds"`
	FileHash        string             `json:"file_hash" db:"file_hash"`
	Material        *string            `json:"material,omitempty" db:"material"`
	Settings        map[string]float64 `json:"settings,omitempty" db:"settings_json"`
	Notes           *string            `json:"notes,omitempty" db:"notes"`
	RecordedAt      time.Time          `json:"recorded_at" db:"recorded_at"`
}

// EventKind names a class of core events.
type EventKind string

const (
	EventJobSubmitted         EventKind = "job.submitted"
	EventJobDispatched        EventKind = "job.dispatched"
	EventJobCompleted         EventKind = "job.completed"
	EventJobFailed            EventKind = "job.failed"
	EventJobCancelled         EventKind = "job.cancelled"
	EventPrintStarted         EventKind = "print.started"
	EventPrinterStateChanged  EventKind = "printer.state_changed"
	EventPrinterRegistered    EventKind = "printer.registered"
	EventAdapterUnmappedState EventKind = "adapter.unmapped_state"
	EventHeatersAutoCooled    EventKind = "heaters.auto_cooled"
	EventOutcomeRecorded      EventKind = "outcome.recorded"
	EventWebhookOverflow      EventKind = "webhook.overflow"
)

// Event is an append-only core event. Seq is assigned by persistence and
// is globally monotonic across all publishers.
type Event struct {
	ID        string         `json:"id" db:"id"`
	Seq       int64          `json:"seq" db:"seq"`
	Kind      EventKind      `json:"kind" db:"kind"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
	PrinterID *string        `json:"printer_id,omitempty" db:"printer_id"`
	JobID     *string        `json:"job_id,omitempty" db:"job_id"`
	Payload   map[string]any `json:"payload,omitempty" db:"payload_json"`
}

// AuditRecord is one sealed row of the tamper-evident audit log.
// HMAC is computed over seq || prev_hmac || row fields, so removing or
// mutating any row breaks chain verification from that seq onward.
type AuditRecord struct {
	Seq          int64     `json:"seq" db:"seq"`
	Timestamp    time.Time `json:"timestamp" db:"ts"`
	ActorID      string    `json:"actor_id" db:"actor"`
	ToolName     string    `json:"tool_name" db:"tool"`
	ParamsDigest string    `json:"params_digest" db:"params_digest"`
	ResultKind   string    `json:"result_kind" db:"result_kind"`
	HMAC         string    `json:"hmac" db:"hmac_hex"`
	PrevHMAC     string    `json:"prev_hmac" db:"prev_hmac_hex"`
}

// WebhookSubscription is a registered outbound notification target.
// The URL has passed SSRF validation at registration time.
type WebhookSubscription struct {
	ID         string      `json:"id" db:"id"`
	URL        string      `json:"url" db:"url"`
	EventKinds []EventKind `json:"event_kinds" db:"event_kinds"`
	Secret     string      `json:"-" db:"secret"` // never serialized
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

// Matches reports whether the subscription wants events of the given kind.
// An empty kind list matches everything.
func (w WebhookSubscription) Matches(kind EventKind) bool {
	if len(w.EventKinds) == 0 {
		return true
	}
	for _, k := range w.EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Printer is a registered fleet member as persisted.
type Printer struct {
	Name      string       `json:"name" db:"name"`
	Backend   BackendKind  `json:"backend" db:"backend"`
	Address   string       `json:"address" db:"address"`
	ProfileID string       `json:"profile_id" db:"profile_id"`
	Caps      Capabilities `json:"capabilities" db:"caps_json"`
	Enabled   bool         `json:"enabled" db:"enabled"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	LastSeen  *time.Time   `json:"last_seen,omitempty" db:"last_seen"`
}

// ID returns the printer's identifier.
func (p Printer) ID() PrinterID { return PrinterID{Name: p.Name, Backend: p.Backend} }
