// Package id generates the default K-sortable job identifier used when a
// caller does not supply its own id at job-creation time.
//
// Job ids are ultimately the caller's responsibility to supply uniquely;
// this package exists only to give pqueue a sensible default when no
// external id is provided — it is never required to be used.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// PrefixJob is the TypeID prefix used for generated job ids.
const PrefixJob = "job"

// New generates a new globally unique, K-sortable job id in the form
// "job_<suffix>".
func New() string {
	tid, err := typeid.Generate(PrefixJob)
	if err != nil {
		// Generate only fails for an invalid prefix, which is a compile-time
		// constant here, so this can only happen from a programming error.
		panic(fmt.Sprintf("id: generate: %v", err))
	}
	return tid.String()
}

// Valid reports whether s parses as a job id with the expected prefix.
func Valid(s string) bool {
	tid, err := typeid.Parse(s)
	if err != nil {
		return false
	}
	return tid.Prefix() == PrefixJob
}
