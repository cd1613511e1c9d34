// Package record holds the row model shared by the cache, the remote client
// and the reconciler.
package record

import (
	"regexp"
	"strings"
	"time"
)

// Field is one column value. Values are opaque strings.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Fields is an ordered column list. Names are unique within a list.
type Fields []Field

func (fs Fields) Get(name string) (string, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the value of name or appends it, keeping order.
func (fs Fields) Set(name, value string) Fields {
	for i := range fs {
		if fs[i].Name == name {
			fs[i].Value = value
			return fs
		}
	}
	return append(fs, Field{Name: name, Value: value})
}

// Merge returns a copy of fs with every field of delta applied on top.
func (fs Fields) Merge(delta Fields) Fields {
	out := fs.Clone()
	for _, f := range delta {
		out = out.Set(f.Name, f.Value)
	}
	return out
}

func (fs Fields) Clone() Fields {
	if fs == nil {
		return nil
	}
	out := make(Fields, len(fs))
	copy(out, fs)
	return out
}

func (fs Fields) Names() []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Name
	}
	return out
}

// Equal compares by name and value, ignoring order.
func (fs Fields) Equal(other Fields) bool {
	if len(fs) != len(other) {
		return false
	}
	for _, f := range fs {
		v, ok := other.Get(f.Name)
		if !ok || v != f.Value {
			return false
		}
	}
	return true
}

// Pick returns the values fs holds for names, in names order. Missing names
// map to an empty value.
func (fs Fields) Pick(names []string) Fields {
	out := make(Fields, 0, len(names))
	for _, n := range names {
		v, _ := fs.Get(n)
		out = append(out, Field{Name: n, Value: v})
	}
	return out
}

// Record is one row of the mirrored table.
type Record struct {
	Key    string `json:"key"`
	Fields Fields `json:"fields"`
	// Version is the local revision, bumped on every committed mutation.
	Version uint64 `json:"version"`
	// RemoteVersion is the last version seen from or acknowledged by the remote.
	RemoteVersion uint64 `json:"remote_version"`
	// UpdatedAt is the remote modification time, zero when unknown.
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	SyncedAt  time.Time `json:"synced_at,omitzero"`
}

func (r Record) Clone() Record {
	r.Fields = r.Fields.Clone()
	return r
}

var (
	parenNote  = regexp.MustCompile(`\([^)]*\)`)
	spaces     = regexp.MustCompile(`\s+`)
	nonKeyChar = regexp.MustCompile(`[^a-z0-9_]`)
)

// HeaderKey turns a sheet header cell into a field name: parenthesized
// notes are dropped, whitespace squashed, the rest lowercased and every
// character outside [a-z0-9_] mapped to '_'.
//
//	"Phone Number (mobile)" -> "phone_number"
func HeaderKey(header string) string {
	s := parenNote.ReplaceAllString(header, "")
	s = spaces.ReplaceAllString(strings.TrimSpace(s), " ")
	s = strings.ToLower(s)
	return nonKeyChar.ReplaceAllString(s, "_")
}
