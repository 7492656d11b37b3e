package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores and queries for unknown identifiers.
var ErrNotFound = errors.New("not found")

// MalformedNoticeError rejects a notice whose payload is missing required
// fields or carries values outside physical range. The notice is dropped;
// the pipeline continues with the next one.
type MalformedNoticeError struct {
	Source string
	Field  string
	Reason string
}

func (e *MalformedNoticeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed notice from %q: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("malformed notice from %q: field %s: %s", e.Source, e.Field, e.Reason)
}

// Malformed builds a MalformedNoticeError for one field.
func Malformed(source, field, reason string) error {
	return &MalformedNoticeError{Source: source, Field: field, Reason: reason}
}

// IsMalformed reports whether err is a notice rejection.
func IsMalformed(err error) bool {
	var m *MalformedNoticeError
	return errors.As(err, &m)
}
