package models

import (
	"errors"
	"fmt"
)

// DecodeKind classifies payload decoding failures.
type DecodeKind string

const DecodeMalformed DecodeKind = "malformed"

// DecodeError is returned when a signed payload cannot be turned into a Transaction.
type DecodeError struct {
	Kind   DecodeKind
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode " + string(e.Kind)
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// VerificationKind separates fraud from outages.
type VerificationKind string

const (
	VerificationUntrusted   VerificationKind = "untrusted"
	VerificationUnavailable VerificationKind = "unavailable"
)

// VerificationError is returned when a payload's chain of trust cannot be confirmed.
type VerificationError struct {
	Kind VerificationKind
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return "verification " + string(e.Kind)
	}
	return fmt.Sprintf("verification %s: %v", e.Kind, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// RefundKind classifies refund request failures.
type RefundKind string

const (
	RefundUnsupported RefundKind = "unsupported"
	RefundDeclined    RefundKind = "declined"
	RefundTransient   RefundKind = "transient"
)

// RefundError is returned by refund requesters. Only RefundTransient is safe to retry.
type RefundError struct {
	Kind RefundKind
	Err  error
}

func (e *RefundError) Error() string {
	if e.Err == nil {
		return "refund " + string(e.Kind)
	}
	return fmt.Sprintf("refund %s: %v", e.Kind, e.Err)
}

func (e *RefundError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may be sent again.
func (e *RefundError) Retryable() bool { return e.Kind == RefundTransient }

func IsMalformed(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == DecodeMalformed
}

func IsUntrusted(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve) && ve.Kind == VerificationUntrusted
}

func IsUnavailable(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve) && ve.Kind == VerificationUnavailable
}

// RefundErrorKind returns the kind of a refund error, or "" if err is not one.
func RefundErrorKind(err error) RefundKind {
	var re *RefundError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
