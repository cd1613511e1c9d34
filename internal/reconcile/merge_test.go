package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetbot/internal/cache"
	"sheetbot/internal/record"
)

func fs(kv ...string) record.Fields {
	var out record.Fields
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, record.Field{Name: kv[i], Value: kv[i+1]})
	}
	return out
}

func TestParseMergePolicy(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]MergePolicy{
		"":                 LastWriterWins,
		"last_writer_wins": LastWriterWins,
		"local_wins":       LocalWins,
		"remote_wins":      RemoteWins,
	} {
		got, err := ParseMergePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMergePolicy("newest")
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pw := cache.PendingWrite{
		Key:         "u1",
		Delta:       fs("city", "Bergen", "phone", "555"),
		Base:        fs("city", "Oslo", "phone", ""),
		BaseVersion: 1,
		UpdatedAt:   t0,
	}

	tests := []struct {
		name           string
		remote         record.Record
		policy         MergePolicy
		wantDelta      record.Fields
		wantFields     record.Fields
		wantConflicted []string
	}{
		{
			name:       "only local side changed",
			remote:     record.Record{Fields: fs("name", "Anna", "city", "Oslo"), UpdatedAt: t0.Add(time.Minute)},
			policy:     LastWriterWins,
			wantDelta:  fs("city", "Bergen", "phone", "555"),
			wantFields: fs("name", "Anna", "city", "Bergen", "phone", "555"),
		},
		{
			name:       "both sides agree",
			remote:     record.Record{Fields: fs("city", "Bergen", "phone", "555")},
			policy:     RemoteWins,
			wantFields: fs("city", "Bergen", "phone", "555"),
		},
		{
			name:           "newer remote wins under last writer wins",
			remote:         record.Record{Fields: fs("city", "Trondheim"), UpdatedAt: t0.Add(time.Minute)},
			policy:         LastWriterWins,
			wantDelta:      fs("phone", "555"),
			wantFields:     fs("city", "Trondheim", "phone", "555"),
			wantConflicted: []string{"city"},
		},
		{
			name:           "older remote loses under last writer wins",
			remote:         record.Record{Fields: fs("city", "Trondheim"), UpdatedAt: t0.Add(-time.Minute)},
			policy:         LastWriterWins,
			wantDelta:      fs("city", "Bergen", "phone", "555"),
			wantFields:     fs("city", "Bergen", "phone", "555"),
			wantConflicted: []string{"city"},
		},
		{
			name:           "unknown remote time favours local",
			remote:         record.Record{Fields: fs("city", "Trondheim")},
			policy:         LastWriterWins,
			wantDelta:      fs("city", "Bergen", "phone", "555"),
			wantFields:     fs("city", "Bergen", "phone", "555"),
			wantConflicted: []string{"city"},
		},
		{
			name:           "local wins",
			remote:         record.Record{Fields: fs("city", "Trondheim"), UpdatedAt: t0.Add(time.Hour)},
			policy:         LocalWins,
			wantDelta:      fs("city", "Bergen", "phone", "555"),
			wantFields:     fs("city", "Bergen", "phone", "555"),
			wantConflicted: []string{"city"},
		},
		{
			name:           "remote wins",
			remote:         record.Record{Fields: fs("city", "Trondheim", "phone", "777")},
			policy:         RemoteWins,
			wantFields:     fs("city", "Trondheim", "phone", "777"),
			wantConflicted: []string{"city", "phone"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := Merge(pw, tt.remote, tt.policy)
			assert.Equal(t, tt.wantDelta, res.Delta)
			assert.True(t, tt.wantFields.Equal(res.Fields), "fields: %v", res.Fields)
			assert.Equal(t, tt.wantConflicted, res.Conflicted)
		})
	}
}
