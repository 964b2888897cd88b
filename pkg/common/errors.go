package common

import "errors"

// Sentinel errors shared across packages.
var (
	ErrNotFound        = errors.New("common: entry not found")
	ErrNotDirectory    = errors.New("common: not a directory")
	ErrIsDirectory     = errors.New("common: is a directory")
	ErrReadOnly        = errors.New("common: mount source is read-only")
	ErrInvalidIndex    = errors.New("common: index invalid or out of date")
	ErrSchemaMismatch  = errors.New("common: index schema version mismatch")
	ErrFingerprintDiff = errors.New("common: archive fingerprint mismatch")
	ErrCorruptBlock    = errors.New("common: corrupt compressed block")
	ErrCycle           = errors.New("common: cycle detected while resolving path")
	ErrNotSupported    = errors.New("common: operation not supported")
)
