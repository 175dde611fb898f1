// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the server.
package api

import "time"

// Status is the value transmitted in every build response and record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusBuilding Status = "building"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusAborted  Status = "aborted"

	StatusAlreadyBuilding     Status = "already_building"
	StatusAlreadyQueued       Status = "already_queued"
	StatusMaxPending          Status = "max_pending"
	StatusUnauthorized        Status = "unauthorized"
	StatusMissingUniqueID     Status = "missing_unique_id"
	StatusMissingPayload      Status = "missing_payload"
	StatusFileCreateFailed    Status = "file_create_failed"
	StatusNotFound            Status = "not_found"
	StatusMissingProjectToken Status = "missing_project_token"
	StatusProjectTokenChanged Status = "project_token_changed"
	StatusSomethingWentWrong  Status = "something_went_wrong"
)

// Terminal reports whether s ends a build.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusAborted
}

// BuildResponse is returned by submit, abort and the other mutating endpoints.
type BuildResponse struct {
	Message string  `json:"message"`
	Status  Status  `json:"status"`
	Token   *string `json:"token"`
	BuildID *string `json:"build_id"`
}

// ProjectTokenRequest is the body of PUT /project-token.
type ProjectTokenRequest struct {
	ProjectToken string `json:"project_token"`
}

// BuildRecord is the wire form of a build, as posted to the collector,
// returned in the failed history and listed from the archive.
type BuildRecord struct {
	ID              string            `json:"id"`
	UniqueID        string            `json:"unique_id"`
	Status          Status            `json:"status"`
	CurrentStep     int               `json:"current_step"`
	TotalSteps      int               `json:"total_steps"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         time.Time         `json:"end_at"`
	DurationSeconds int64             `json:"duration"`
	SocketToken     string            `json:"socket_token"`
	Payload         map[string]string `json:"payload"`
	OutPayload      map[string]string `json:"out_payload"`
	Logs            []LogLine         `json:"logs"`
}

// LogLine is one captured line of step output.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Step      int       `json:"step"`
	Message   string    `json:"message"`
}

// ProjectEvent is a lifecycle milestone on the project event stream.
type ProjectEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	UniqueID    string    `json:"unique_id"`
	SocketToken string    `json:"socket_token"`
	Step        int       `json:"step"`
	State       Status    `json:"state"`
	Message     string    `json:"message"`
}

// PendingUpdateResponse is the response of GET /pending-update.
type PendingUpdateResponse struct {
	ErrorHistory []BuildRecord `json:"error_history"`
	Status       Status        `json:"status"`
	QueueCount   int           `json:"queue_count"`
}

// ActiveBuild summarises the in-flight build for GET /status.
type ActiveBuild struct {
	ID          string    `json:"id"`
	UniqueID    string    `json:"unique_id"`
	Status      Status    `json:"status"`
	CurrentStep int       `json:"current_step"`
	TotalSteps  int       `json:"total_steps"`
	StartedAt   time.Time `json:"started_at"`
}

// StatusResponse is the response of GET /status.
type StatusResponse struct {
	Active  *ActiveBuild `json:"active"`
	Queued  []string     `json:"queued"`
	Running bool         `json:"running"`
}

// ListBuildsResponse is the response of GET /builds.
type ListBuildsResponse struct {
	Builds []BuildRecord `json:"builds"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
