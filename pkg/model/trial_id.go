package model

import (
	"fmt"
	"io"

	"github.com/google/uuid"
)

// TrialID identifies one trial for its whole lifetime.
type TrialID string

func (t TrialID) String() string {
	return string(t)
}

// NewTrialID returns a UUIDv4 formatted id whose bytes are drawn from r. Drawing from an
// nprand.State keeps simulated runs reproducible.
func NewTrialID(r io.Reader) TrialID {
	var u uuid.UUID
	if _, err := io.ReadFull(r, u[:]); err != nil {
		panic(fmt.Sprintf("unexpected error creating trial ID: %v", err))
	}
	u[6] = (u[6] & 0x0f) | 0x40 // Version 4.
	u[8] = (u[8] & 0x3f) | 0x80 // Variant is 10.
	return TrialID(u.String())
}

// ParseTrialID validates that s is a UUID formatted trial id.
func ParseTrialID(s string) (TrialID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return TrialID(parsed.String()), nil
}
