// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import "time"

// Action names.
const (
	ActionPing         = "ping"
	ActionShutdown     = "shutdown"
	ActionAuthenticate = "authenticate"
	ActionAttach       = "attach"
	ActionEndSession   = "end-session"
	ActionSubmit       = "submit"
	ActionSubscribe    = "subscribe"
	ActionCancel       = "cancel"
	ActionStatus       = "status"
	ActionAck          = "ack"
	ActionList         = "list"
)

// AuthenticateRequest asks for a session for the connecting process.
// The caller's identity comes from the socket's peer credentials.
type AuthenticateRequest struct {
	Action string `cbor:"action"`

	// Interactive allows the authorization agent to prompt the user.
	Interactive bool `cbor:"interactive"`
}

// AuthenticateResult is the data of a successful authenticate.
type AuthenticateResult struct {
	Session string    `cbor:"session"`
	Expires time.Time `cbor:"expires"`
}

// SessionRequest is used by attach and end-session.
type SessionRequest struct {
	Action  string `cbor:"action"`
	Session string `cbor:"session"`
}

// SubmitRequest asks the broker to run a command.
type SubmitRequest struct {
	Action   string            `cbor:"action"`
	Session  string            `cbor:"session"`
	Argv     []string          `cbor:"argv"`
	Dir      string            `cbor:"dir,omitempty"`
	Env      map[string]string `cbor:"env,omitempty"`
	Terminal bool              `cbor:"terminal,omitempty"`
}

// SubmitResult carries the assigned job id.
type SubmitResult struct {
	Job string `cbor:"job"`
}

// JobRequest is used by cancel, status, and ack.
type JobRequest struct {
	Action string `cbor:"action"`
	Job    string `cbor:"job"`
}

// SubscribeRequest opens an output stream for a job. Only chunks with
// Seq > AfterSeq are sent; -1 replays from the beginning.
type SubscribeRequest struct {
	Action   string `cbor:"action"`
	Job      string `cbor:"job"`
	AfterSeq int64  `cbor:"after_seq"`
}

// PingResult identifies the broker that answered.
type PingResult struct {
	Version string `cbor:"version"`
	PID     int    `cbor:"pid"`
	UID     int    `cbor:"uid"`
}

// ListResult is the data of list.
type ListResult struct {
	Jobs []JobSnapshot `cbor:"jobs"`
}

// JobStatus is a job's lifecycle state. Transitions only move forward:
// queued, running, then exactly one terminal state.
type JobStatus string

const (
	StatusQueued      JobStatus = "queued"
	StatusRunning     JobStatus = "running"
	StatusSucceeded   JobStatus = "succeeded"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
	StatusSpawnFailed JobStatus = "spawn_failed"
)

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSpawnFailed:
		return true
	}
	return false
}

// JobSnapshot is a point-in-time view of a job. The CLI prints it as
// JSON, so it carries json tags that the CBOR codec also honours.
type JobSnapshot struct {
	ID        string    `json:"id"`
	Session   string    `json:"session"`
	UID       uint32    `json:"uid"`
	Argv      []string  `json:"argv"`
	Dir       string    `json:"dir,omitempty"`
	Terminal  bool      `json:"terminal,omitempty"`
	Status    JobStatus `json:"status"`
	ExitCode  int       `json:"exit_code"`
	Signal    int       `json:"signal,omitempty"`
	Error     string    `json:"error,omitempty"`
	Submitted time.Time `json:"submitted"`
	Started   time.Time `json:"started,omitzero"`
	Finished  time.Time `json:"finished,omitzero"`

	// LastSeq is the sequence number of the newest chunk, or -1 when
	// the job has printed nothing.
	LastSeq int64 `json:"last_seq"`
}

// FrameType discriminates stream frames.
type FrameType string

const (
	FrameChunk     FrameType = "chunk"
	FrameTerminal  FrameType = "terminal"
	FrameKeepalive FrameType = "keepalive"
	FrameError     FrameType = "error"
)

// Frame is one message on a stream connection. Which fields are set
// depends on Type:
//
//   - chunk: Job, Seq, Stream, Data
//   - terminal: Job, Status, ExitCode, Signal, Message (spawn errors)
//   - keepalive: Time
//   - error: Code, Message; the stream ends after it
type Frame struct {
	Type FrameType `cbor:"type"`

	Job    string `cbor:"job,omitempty"`
	Seq    uint64 `cbor:"seq,omitempty"`
	Stream string `cbor:"stream,omitempty"`
	Data   []byte `cbor:"data,omitempty"`

	Status   JobStatus `cbor:"status,omitempty"`
	ExitCode int       `cbor:"exit_code,omitempty"`
	Signal   int       `cbor:"signal,omitempty"`

	Time time.Time `cbor:"time,omitzero"`

	Code    Code   `cbor:"code,omitempty"`
	Message string `cbor:"message,omitempty"`
}
