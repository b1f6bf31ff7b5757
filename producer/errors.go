// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import "fmt"

// Code is a stable machine-readable error code surfaced to callers.
type Code string

const (
	CodeMissingField        Code = "missing_field"
	CodeInvalidField        Code = "invalid_field"
	CodeContentTooLong      Code = "content_too_long"
	CodeTooManyRecipients   Code = "too_many_recipients"
	CodeInvalidContentType  Code = "invalid_content_type"
	CodeConversationMissing Code = "conversation_not_found"
	CodeConversationClosed  Code = "conversation_inactive"
	CodeSenderNotMember     Code = "sender_not_member"
	CodeRateLimited         Code = "rate_limit_exceeded"
	CodeEnqueueFailed       Code = "enqueue_failed"
)

// Error is a rejection with a stable code. Client reports whether the
// caller is at fault; enqueue failures are infrastructure errors and map to
// a 5xx-equivalent, never a client error.
type Error struct {
	Code    Code
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Client reports whether the error is the caller's fault.
func (e *Error) Client() bool {
	return e.Code != CodeEnqueueFailed
}

func missingField(field string) *Error {
	return &Error{Code: CodeMissingField, Field: field, Message: "required field is missing"}
}

func invalidField(field, msg string) *Error {
	return &Error{Code: CodeInvalidField, Field: field, Message: msg}
}
