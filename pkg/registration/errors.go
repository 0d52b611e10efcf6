package registration

import (
	"errors"
	"fmt"
)

// Severity says how far a failure reaches
type Severity int

const (
	// SeveritySkip: nothing to do; the lookup that failed already reported why
	SeveritySkip Severity = iota

	// SeverityAbort: a precondition failed and the whole run stopped
	SeverityAbort

	// SeverityDirection: one registration direction was skipped, the other ran
	SeverityDirection

	// SeverityFatal: configuration error or external tool failure
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeveritySkip:
		return "skip"
	case SeverityAbort:
		return "abort"
	case SeverityDirection:
		return "direction"
	case SeverityFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Code identifies the reason for a failure
type Code string

const (
	CodeDownsampleDirMissing Code = "downsample-dir-missing"
	CodeParamFileMissing     Code = "param-file-missing"
	CodeSampleNotResolved    Code = "sample-not-resolved"
	CodeSampleMissing        Code = "sample-missing"
	CodeTemplateNotResolved  Code = "template-not-resolved"
	CodeLoadFailed           Code = "load-failed"
	CodeOutputDir            Code = "output-dir"
	CodeRegistrationFailed   Code = "registration-failed"
	CodeInversionFailed      Code = "inversion-failed"
	CodeSparsePointsFailed   Code = "sparse-points-failed"
)

// Error is a registration failure callers can branch on
type Error struct {
	Severity Severity
	Code     Code
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SeverityOf returns the severity of err, SeverityFatal for foreign errors
func SeverityOf(err error) Severity {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity
	}
	return SeverityFatal
}

// CodeOf returns the reason code of err, or "" for foreign errors
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsFatal reports whether err is a configuration or tool failure rather than
// a reported precondition
func IsFatal(err error) bool {
	return err != nil && SeverityOf(err) == SeverityFatal
}
