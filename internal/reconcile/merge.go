package reconcile

import (
	"fmt"

	"sheetbot/internal/cache"
	"sheetbot/internal/record"
)

type MergePolicy string

const (
	LastWriterWins MergePolicy = "last_writer_wins"
	LocalWins      MergePolicy = "local_wins"
	RemoteWins     MergePolicy = "remote_wins"
)

func ParseMergePolicy(s string) (MergePolicy, error) {
	switch p := MergePolicy(s); p {
	case "":
		return LastWriterWins, nil
	case LastWriterWins, LocalWins, RemoteWins:
		return p, nil
	default:
		return "", fmt.Errorf("unknown merge policy %q", s)
	}
}

// Resolution is the outcome of merging a pending write into the current
// remote row.
type Resolution struct {
	// Delta holds the local values that still have to be written.
	Delta record.Fields
	// Fields is the resulting row content.
	Fields record.Fields
	// Conflicted names the fields changed on both sides.
	Conflicted []string
}

// Merge resolves pw against the current remote row field by field:
//   - remote equals local: both sides agree;
//   - remote equals the base: only the local side changed, local wins;
//   - otherwise the policy breaks the tie.
//
// Fields outside the delta keep their remote value.
func Merge(pw cache.PendingWrite, current record.Record, policy MergePolicy) Resolution {
	var res Resolution
	for _, f := range pw.Delta {
		rv, _ := current.Fields.Get(f.Name)
		base, _ := pw.Base.Get(f.Name)
		switch {
		case rv == f.Value:
		case rv == base:
			res.Delta = append(res.Delta, f)
		default:
			res.Conflicted = append(res.Conflicted, f.Name)
			if localWins(pw, current, policy) {
				res.Delta = append(res.Delta, f)
			}
		}
	}
	res.Fields = current.Fields.Merge(res.Delta)
	return res
}

func localWins(pw cache.PendingWrite, current record.Record, policy MergePolicy) bool {
	switch policy {
	case LocalWins:
		return true
	case RemoteWins:
		return false
	default:
		if current.UpdatedAt.IsZero() {
			return true
		}
		return !current.UpdatedAt.After(pw.UpdatedAt)
	}
}
