// Package gwerrors defines the gateway's semantic error categories
// (spec.md §7), structured the way the teacher's fserrors package
// structures its Path/Stage/Code errors, adapted to this gateway's own
// stage vocabulary.
package gwerrors

import "fmt"

// Stage identifies which part of the gateway raised the error.
type Stage string

const (
	StageAccept    Stage = "accept"
	StageHandshake Stage = "handshake"
	StageDispatch  Stage = "dispatch"
	StageRegistry  Stage = "registry"
	StageLedger    Stage = "ledger"
	StageAdmin     Stage = "admin"
	StageStartup   Stage = "startup"
)

// Code is a stable, programmatic identifier for a gateway error.
type Code string

const (
	CodeBanRejected         Code = "ban_rejected"
	CodeAuthFailed          Code = "auth_failed"
	CodeFrameCorrupt        Code = "frame_corrupt"
	CodePeerGone            Code = "peer_gone"
	CodeDispatchTimeout     Code = "dispatch_timeout"
	CodeUnhealthyConnection Code = "unhealthy_connection"
	CodeNotRegistered       Code = "not_registered"
	CodeUnauthorized        Code = "unauthorized"
	CodeBadRequest          Code = "bad_request"
	CodeFatal               Code = "fatal"
)

// Error is a structured, programmatically identifiable gateway error.
type Error struct {
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a structured Error for the given stage/code, optionally
// wrapping an underlying error.
func Wrap(stage Stage, code Code, err error) error {
	return &Error{Stage: stage, Code: code, Err: err}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Code, true
}
