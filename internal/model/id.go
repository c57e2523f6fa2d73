package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a job identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewRunID generates a random identifier for a single run of a job.
func NewRunID() string {
	return uuid.NewString()
}
