package domain

import "time"

// MappingTTL is how long dedup mappings are retained before the periodic
// sweep reclaims them.
const MappingTTL = 30 * 24 * time.Hour

// ClientWorkIDMapping maps a client-generated work id to the attestation id
// produced by a completed job, so repeat-submission detection never needs a
// network round trip.
type ClientWorkIDMapping struct {
	ClientWorkID  string
	AttestationID string
	JobID         string
	CreatedAt     time.Time
}
