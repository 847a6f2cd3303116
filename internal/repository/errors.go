// Package repository holds what the job store backends share: sentinel errors
// and the typed column mapping of entity.JobUpdate.
package repository

import "errors"

// MaxBatchItems is the per-request item limit for batch writes.
const MaxBatchItems = 25

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a conditional update finds the job in a
	// different status than expected.
	ErrConflict      = errors.New("status condition failed")
	ErrBatchTooLarge = errors.New("batch exceeds item limit")
)
