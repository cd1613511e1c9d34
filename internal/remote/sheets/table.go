package sheets

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sheetbot/internal/record"
	"sheetbot/internal/remote"
)

type row struct {
	rowNum  int // 1-based sheet row
	key     string
	cells   []string
	version uint64
	updated time.Time
}

type table struct {
	header []string       // normalized names
	col    map[string]int // name -> column index
	rows   []row
	byKey  map[string]int // key -> index in rows

	// raw holds row 1 as found in the sheet. Columns at index len(raw) and
	// above were added by ensureColumns and still have to be written.
	raw []string

	keyIdx, versionIdx, updatedIdx int
}

func parseTable(values [][]interface{}, cfg Config) (*table, error) {
	t := &table{col: map[string]int{}, byKey: map[string]int{}}
	if len(values) > 0 {
		for i, h := range values[0] {
			t.raw = append(t.raw, fmt.Sprint(h))
			name := record.HeaderKey(fmt.Sprint(h))
			if name == "" {
				name = "col_" + columnLetter(i)
			}
			if _, dup := t.col[name]; dup {
				name = name + "_" + columnLetter(i)
			}
			t.header = append(t.header, name)
			t.col[name] = i
		}
	}

	t.keyIdx = 0
	if cfg.KeyColumn != "" {
		idx, ok := t.col[cfg.KeyColumn]
		if !ok && len(t.header) > 0 {
			return nil, remote.Permanent(fmt.Errorf("sheets: key column %q not in header", cfg.KeyColumn))
		}
		if ok {
			t.keyIdx = idx
		}
	}
	if len(t.header) == 0 {
		keyName := cfg.KeyColumn
		if keyName == "" {
			keyName = "key"
		}
		t.header = []string{keyName}
		t.col[keyName] = 0
	}
	t.ensureColumns([]string{cfg.VersionColumn, cfg.UpdatedColumn})
	t.versionIdx = t.col[cfg.VersionColumn]
	t.updatedIdx = t.col[cfg.UpdatedColumn]

	for i := 1; i < len(values); i++ {
		cells := make([]string, len(values[i]))
		for j, v := range values[i] {
			cells[j] = fmt.Sprint(v)
		}
		r := row{rowNum: i + 1, cells: cells}
		r.key = strings.TrimSpace(cell(cells, t.keyIdx))
		if r.key == "" {
			continue
		}
		if _, dup := t.byKey[r.key]; dup {
			continue
		}
		if v := strings.TrimSpace(cell(cells, t.versionIdx)); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, remote.Permanent(errors.Join(fmt.Errorf("sheets: row %d: bad version %q", r.rowNum, v), err))
			}
			r.version = n
		}
		if v := strings.TrimSpace(cell(cells, t.updatedIdx)); v != "" {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				r.updated = ts
			}
		}
		t.byKey[r.key] = len(t.rows)
		t.rows = append(t.rows, r)
	}
	return t, nil
}

func (t *table) find(key string) (row, bool) {
	i, ok := t.byKey[key]
	if !ok {
		return row{}, false
	}
	return t.rows[i], true
}

// ensureColumns appends missing names to the header.
func (t *table) ensureColumns(names []string) {
	for _, n := range names {
		if _, ok := t.col[n]; ok {
			continue
		}
		t.col[n] = len(t.header)
		t.header = append(t.header, n)
	}
}

// newColumns returns the index of the first header cell missing from the
// sheet and the cells to write from there. ok is false when row 1 is
// complete.
func (t *table) newColumns() (first int, cells []string, ok bool) {
	first = len(t.raw)
	if first >= len(t.header) {
		return 0, nil, false
	}
	return first, append([]string(nil), t.header[first:]...), true
}

func (t *table) record(r row) record.Record {
	fs := make(record.Fields, 0, len(t.header))
	for i, name := range t.header {
		if i == t.versionIdx || i == t.updatedIdx {
			continue
		}
		fs = append(fs, record.Field{Name: name, Value: cell(r.cells, i)})
	}
	return record.Record{
		Key:           r.key,
		Fields:        fs,
		RemoteVersion: r.version,
		UpdatedAt:     r.updated,
	}
}

func cell(cells []string, i int) string {
	if i < 0 || i >= len(cells) {
		return ""
	}
	return cells[i]
}

func pad(cells []string, n int) []string {
	out := make([]string, max(n, len(cells)))
	copy(out, cells)
	return out
}

// columnLetter converts a 0-based index to A1 notation: 0 -> A, 26 -> AA.
func columnLetter(i int) string {
	s := ""
	for i >= 0 {
		s = string(rune('A'+i%26)) + s
		i = i/26 - 1
	}
	return s
}
