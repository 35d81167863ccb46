package service

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Sentinel errors for the service layer.
var (
	ErrSessionNotFound      = errors.New("upload session not found")
	ErrDuplicateSession     = errors.New("upload id already in use")
	ErrSessionIncomplete    = errors.New("upload session has not received every chunk")
	ErrSessionFinalized     = errors.New("upload session already finalized")
	ErrIncompleteChunkSet   = errors.New("chunk set is incomplete")
	ErrShareNotFound        = errors.New("share not found")
	ErrShareExpired         = errors.New("share has expired")
	ErrDownloadLimitReached = errors.New("share download limit reached")
	ErrPasswordRequired     = errors.New("password required")
	ErrInvalidPassword      = errors.New("invalid password")
	ErrPasswordMismatch     = errors.New("passwords do not match")
	ErrExpiryTooFar         = errors.New("expiry date is too far in the future")
	ErrStorageFailure       = errors.New("storage failure")
	ErrUnauthorized         = errors.New("not allowed")
	ErrFileTooLarge         = errors.New("file exceeds maximum allowed size")
	ErrUploadsDisabled      = errors.New("upload method disabled")
)

// ValidationError maps request fields to what is wrong with them.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

// err returns e, or nil when no field failed.
func (e *ValidationError) err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func invalid(field, msg string) error {
	v := &ValidationError{}
	v.add(field, msg)
	return v
}

// IncompleteChunkSetError lists the chunk indices an upload is missing.
type IncompleteChunkSetError struct {
	Missing []int
}

func (e *IncompleteChunkSetError) Error() string {
	return fmt.Sprintf("%s: missing chunks %v", ErrIncompleteChunkSet, e.Missing)
}

func (e *IncompleteChunkSetError) Is(target error) bool {
	return target == ErrIncompleteChunkSet
}

// ExpiryTooFarError reports the configured maximum share lifetime.
type ExpiryTooFarError struct {
	MaxDays int
}

func (e *ExpiryTooFarError) Error() string {
	return fmt.Sprintf("%s: maximum is %d days", ErrExpiryTooFar, e.MaxDays)
}

func (e *ExpiryTooFarError) Is(target error) bool {
	return target == ErrExpiryTooFar
}
