// Package remote is the rate-limited, retrying client for the spreadsheet
// acting as the durable store. Backends (sheets, memory) only speak the
// storage protocol; throttling, retries and read coalescing live here.
package remote

import (
	"context"

	"sheetbot/internal/record"
)

type Op string

const (
	OpFetchAll Op = "fetch_all"
	OpFetch    Op = "fetch"
	OpWrite    Op = "write"
)

// Backend is one remote store implementation.
//
// Write is conditional: it must fail with *ConflictError when the remote
// version of key differs from baseVersion (0 means "row must not exist"),
// or when a delta field's remote value moved away from base while the
// version stayed put (see ChangedUnderneath). A nil base skips the field
// check. On success it returns the new remote version.
//
// Errors that must not be retried are wrapped with Permanent; a server
// retry hint is reported as *RetryAfterError.
type Backend interface {
	FetchAll(ctx context.Context) ([]record.Record, error)
	Fetch(ctx context.Context, key string) (record.Record, error)
	Write(ctx context.Context, key string, delta, base record.Fields, baseVersion uint64) (uint64, error)
	// Cost is the number of rate-limit slots one call of op consumes.
	Cost(op Op) int
}

// ChangedUnderneath returns the delta fields whose current value differs
// from both the value the writer started from and the value it wants to
// write. Fields missing from base are not checked.
func ChangedUnderneath(delta, base, current record.Fields) []string {
	var out []string
	for _, f := range delta {
		was, ok := base.Get(f.Name)
		if !ok {
			continue
		}
		now, _ := current.Get(f.Name)
		if now != was && now != f.Value {
			out = append(out, f.Name)
		}
	}
	return out
}
