// Package id generates identifiers for persisted rows.
package id

import "github.com/google/uuid"

// NewUUIDv7 returns a time-ordered UUID string. Ordered ids keep btree
// inserts on the primary key append-mostly.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
