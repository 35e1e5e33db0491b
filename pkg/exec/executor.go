// Package exec runs bot commands on external platforms. Permission checks,
// validation and rate limiting happen inside the platform side; callers only
// see success, approval pending, or a typed failure.
package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Call is one command invocation.
type Call struct {
	Platform string         `json:"platform"`
	Command  string         `json:"command"`
	Args     map[string]any `json:"args,omitempty"`
	// CacheFor lets a CachingExecutor reuse an identical call's result.
	CacheFor time.Duration `json:"-"`
}

func (c Call) String() string {
	return c.Platform + "." + c.Command
}

// Status is the non-error outcome of a call.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusApprovalPending Status = "approval_pending"
)

// Result is a successful or approval-pending outcome.
type Result struct {
	Status     Status          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
}

// CommandExecutor runs commands on external platforms.
type CommandExecutor interface {
	Execute(ctx context.Context, call Call) (*Result, error)
}

// FailureKind classifies a CommandError.
type FailureKind string

const (
	FailureDenied      FailureKind = "denied"
	FailureInvalid     FailureKind = "invalid"
	FailureRateLimited FailureKind = "rate_limited"
	FailureUnavailable FailureKind = "unavailable"
	FailureInternal    FailureKind = "internal"
)

// CommandError is a typed command failure.
type CommandError struct {
	Call    string
	Kind    FailureKind
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("command %s failed (%s): %s", e.Call, e.Kind, msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// reply is the wire form returned by platform bridges:
//
//	{"status": "ok", "result": {...}}
//	{"status": "pending", "approval_id": "..."}
//	{"status": "error", "kind": "denied", "error": "..."}
type reply struct {
	ID         string          `json:"id,omitempty"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func decodeReply(call Call, data []byte) (*Result, error) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &CommandError{Call: call.String(), Kind: FailureInternal, Message: "malformed reply", Err: err}
	}
	return r.result(call)
}

func (r *reply) result(call Call) (*Result, error) {
	switch r.Status {
	case "ok", "success":
		payload := r.Result
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		return &Result{Status: StatusSuccess, Payload: payload}, nil
	case "pending", "approval_pending":
		return &Result{Status: StatusApprovalPending, ApprovalID: r.ApprovalID}, nil
	case "error":
		kind := FailureKind(r.Kind)
		switch kind {
		case FailureDenied, FailureInvalid, FailureRateLimited, FailureUnavailable, FailureInternal:
		default:
			kind = FailureInternal
		}
		return nil, &CommandError{Call: call.String(), Kind: kind, Message: r.Error}
	}
	return nil, &CommandError{Call: call.String(), Kind: FailureInternal, Message: fmt.Sprintf("unknown reply status %q", r.Status)}
}
