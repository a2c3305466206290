// Package vsmtperrors provides the error taxonomy used across the reception
// and delivery pipeline: SMTP-reply-carrying errors, contextual fields, and
// temporary/permanent classification.
//
// The shape mirrors the exterrors idiom (Code/EnhancedCode/Message, fields
// threaded through wrapped errors, Temporary() classification) used
// throughout the teacher codebase, generalized to also carry the wire.Reply
// this module needs at the receiver boundary.
package vsmtperrors

import (
	"errors"
	"fmt"
)

// EnhancedCode is the three-digit RFC 3463 enhanced status code (class,
// subject, detail), e.g. {5, 1, 1} for "bad destination mailbox address".
type EnhancedCode [3]int

func (c EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", c[0], c[1], c[2])
}

// SMTPError is an error that carries everything needed to build a Reply:
// a basic SMTP code, an optional enhanced code, and a human-readable
// message. It is returned by parsers, the envelope model, and policy
// helpers whenever the caller needs to turn a Go error directly into wire
// output.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string
	Err          error
}

func (e *SMTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %s: %v", e.Code, e.EnhancedCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s: %s", e.Code, e.EnhancedCode, e.Message)
}

func (e *SMTPError) Unwrap() error {
	return e.Err
}

func (e *SMTPError) Temporary() bool {
	return e.Code/100 == 4
}

// fieldsErr/unwrapper mirror the teacher's exterrors field-threading idiom:
// any error in a chain can attach structured fields that propagate outward
// for logging, without changing Error()'s text.
type fieldsErr interface {
	Fields() map[string]interface{}
}

type unwrapper interface {
	Unwrap() error
}

type fieldsWrap struct {
	err    error
	fields map[string]interface{}
}

func (fw fieldsWrap) Error() string { return fw.err.Error() }
func (fw fieldsWrap) Unwrap() error { return fw.err }
func (fw fieldsWrap) Fields() map[string]interface{} {
	return fw.fields
}

// WithFields attaches structured fields to err for later retrieval by Fields.
func WithFields(err error, fields map[string]interface{}) error {
	return fieldsWrap{err: err, fields: fields}
}

// Fields walks the Unwrap chain of err and collects every attached field
// set, outer errors taking precedence over inner ones on key collision.
func Fields(err error) map[string]interface{} {
	fields := make(map[string]interface{}, 5)
	for err != nil {
		if fe, ok := err.(fieldsErr); ok {
			for k, v := range fe.Fields() {
				if _, exists := fields[k]; exists {
					continue
				}
				fields[k] = v
			}
		}
		u, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return fields
}

// TemporaryErr is implemented by errors that know whether they are
// retryable.
type TemporaryErr interface {
	Temporary() bool
}

// IsTemporary reports whether err (or something in its Unwrap chain)
// implements TemporaryErr and returns true. Errors with no opinion are
// treated as permanent.
func IsTemporary(err error) bool {
	var t TemporaryErr
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

// IsTemporaryOrUnspec is like IsTemporary but defaults to true: used on the
// delivery path, where an error with no classification is safer to retry
// than to treat as a permanent bounce.
func IsTemporaryOrUnspec(err error) bool {
	var t TemporaryErr
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

type temporaryErr struct {
	err  error
	temp bool
}

func (t temporaryErr) Error() string   { return t.err.Error() }
func (t temporaryErr) Unwrap() error   { return t.err }
func (t temporaryErr) Temporary() bool { return t.temp }

// WithTemporary wraps err with an explicit Temporary() classification.
func WithTemporary(err error, temporary bool) error {
	return temporaryErr{err: err, temp: temporary}
}
