package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a ULID for leases and fake-engine tasks. IDs made in the
// same millisecond still sort in creation order, so a fetched batch keeps
// its order in the journal.
func NewID() string {
	return ulid.Make().String()
}

// NewWorkerID names a worker after host with a random lowercase suffix, so
// two workers on one host never lock tasks under the same id.
func NewWorkerID(host string) string {
	if host == "" {
		host = "forge"
	}
	id := strings.ToLower(ulid.Make().String())
	return host + "-" + id[len(id)-8:]
}
