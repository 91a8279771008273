package models

import (
	"time"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ProcessingParams are the transformation parameters requested at submission.
// They are immutable once the job is admitted.
type ProcessingParams struct {
	Scale    float64 `json:"scale"`
	TileSize int     `json:"tile_size"`
	Model    string  `json:"model,omitempty"`
}

// ArtifactDescriptor references a stored input or output artifact
type ArtifactDescriptor struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Format   string `json:"format"`
	Filename string `json:"filename,omitempty"`
}

// ErrorDetail is recorded on a job when it fails
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job represents one submitted image and its processing lifecycle
type Job struct {
	ID                 string              `json:"id"`
	Status             JobStatus           `json:"status"`
	Progress           float64             `json:"progress"`
	Message            string              `json:"message"`
	CurrentStep        string              `json:"current_step,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	StartedAt          *time.Time          `json:"started_at,omitempty"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
	Input              ArtifactDescriptor  `json:"input"`
	Output             *ArtifactDescriptor `json:"output,omitempty"`
	Params             ProcessingParams    `json:"params"`
	EstimatedTotalTime *int                `json:"estimated_total_time,omitempty"`
	EstimatedRemaining *int                `json:"estimated_remaining,omitempty"`
	ProcessingTime     float64             `json:"processing_time,omitempty"`
	InputResolution    string              `json:"input_resolution,omitempty"`
	OutputResolution   string              `json:"output_resolution,omitempty"`
	ErrorDetail        *ErrorDetail        `json:"error_detail,omitempty"`
	CancelRequested    bool                `json:"cancel_requested,omitempty"`
	StateTransitions   []StateTransition   `json:"state_transitions,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Clone returns a deep copy of the job so callers never share pointers with
// the registry.
func (j *Job) Clone() Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Output != nil {
		o := *j.Output
		c.Output = &o
	}
	if j.EstimatedTotalTime != nil {
		v := *j.EstimatedTotalTime
		c.EstimatedTotalTime = &v
	}
	if j.EstimatedRemaining != nil {
		v := *j.EstimatedRemaining
		c.EstimatedRemaining = &v
	}
	if j.ErrorDetail != nil {
		e := *j.ErrorDetail
		c.ErrorDetail = &e
	}
	if j.StateTransitions != nil {
		c.StateTransitions = append([]StateTransition(nil), j.StateTransitions...)
	}
	return c
}

// Elapsed returns processing time so far, or zero if the job has not started
func (j *Job) Elapsed(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// ReferenceTime is the instant retention is measured from: completion for jobs
// that finished, creation for jobs that never got that far.
func (j *Job) ReferenceTime() time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.CreatedAt
}

// JobView is the read-only projection served to API callers
type JobView struct {
	ID                 string           `json:"id"`
	Status             JobStatus        `json:"status"`
	Progress           float64          `json:"progress"`
	Message            string           `json:"message"`
	CurrentStep        string           `json:"current_step,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	ProcessingTime     float64          `json:"processing_time,omitempty"`
	EstimatedTotalTime *int             `json:"estimated_total_time,omitempty"`
	EstimatedRemaining *int             `json:"estimated_remaining,omitempty"`
	InputFilename      string           `json:"input_filename,omitempty"`
	InputSize          int64            `json:"input_size"`
	OutputSize         int64            `json:"output_size,omitempty"`
	InputResolution    string           `json:"input_resolution,omitempty"`
	OutputResolution   string           `json:"output_resolution,omitempty"`
	Params             ProcessingParams `json:"params"`
	DownloadURL        string           `json:"download_url,omitempty"`
	QueuePosition      int              `json:"queue_position,omitempty"`
	ErrorDetail        *ErrorDetail     `json:"error_detail,omitempty"`
}

// View projects a job into its API representation
func (j *Job) View() JobView {
	c := j.Clone()
	v := JobView{
		ID:                 c.ID,
		Status:             c.Status,
		Progress:           c.Progress,
		Message:            c.Message,
		CurrentStep:        c.CurrentStep,
		CreatedAt:          c.CreatedAt,
		StartedAt:          c.StartedAt,
		CompletedAt:        c.CompletedAt,
		ProcessingTime:     c.ProcessingTime,
		EstimatedTotalTime: c.EstimatedTotalTime,
		EstimatedRemaining: c.EstimatedRemaining,
		InputFilename:      c.Input.Filename,
		InputSize:          c.Input.Size,
		InputResolution:    c.InputResolution,
		OutputResolution:   c.OutputResolution,
		Params:             c.Params,
		ErrorDetail:        c.ErrorDetail,
	}
	if c.Output != nil {
		v.OutputSize = c.Output.Size
		v.DownloadURL = "/v1/jobs/" + c.ID + "/result"
	}
	return v
}

// Stats summarises the registry by state
type Stats struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Pending    int `json:"pending"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Add counts one job into the summary
func (s *Stats) Add(status JobStatus) {
	s.Total++
	switch status {
	case JobStatusPending:
		s.Pending++
		s.Active++
	case JobStatusQueued:
		s.Queued++
		s.Active++
	case JobStatusProcessing:
		s.Processing++
		s.Active++
	case JobStatusCompleted:
		s.Completed++
	case JobStatusFailed:
		s.Failed++
	case JobStatusCancelled:
		s.Cancelled++
	}
}
