// Package sheets is the Google Sheets remote.Backend.
//
// Layout: row 1 is the header, every row below it is a record. Header cells
// are normalized with record.HeaderKey. Two meta columns carry the row
// version and the last write time; they are appended to the header when
// missing.
//
// The conditional write is read-compare-update. It is not atomic across
// processes: a single bot instance is assumed to be the only writer that
// bumps versions.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"sheetbot/internal/record"
	"sheetbot/internal/remote"
)

type Config struct {
	CredentialsFile string
	SpreadsheetID   string
	Sheet           string
	// KeyColumn names the key column (normalized). Empty means the first column.
	KeyColumn     string
	VersionColumn string
	UpdatedColumn string
}

type Backend struct {
	cfg Config
	svc *sheetsapi.Service
	now func() time.Time
}

// New connects to the Sheets API. Extra client options (endpoint, HTTP
// client) are appended after the credentials option.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Backend, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("sheets: spreadsheet id is empty")
	}
	if cfg.Sheet == "" {
		cfg.Sheet = "Sheet1"
	}
	cfg.KeyColumn = record.HeaderKey(cfg.KeyColumn)
	cfg.VersionColumn = record.HeaderKey(cfg.VersionColumn)
	if cfg.VersionColumn == "" {
		cfg.VersionColumn = "_version"
	}
	cfg.UpdatedColumn = record.HeaderKey(cfg.UpdatedColumn)
	if cfg.UpdatedColumn == "" {
		cfg.UpdatedColumn = "_updated_at"
	}

	all := make([]option.ClientOption, 0, len(opts)+1)
	if cfg.CredentialsFile != "" {
		all = append(all, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	all = append(all, opts...)
	svc, err := sheetsapi.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("sheets: new service: %w", err)
	}
	return &Backend{cfg: cfg, svc: svc, now: time.Now}, nil
}

// Cost: a write reads the table, may extend the header row, then updates
// or appends the row. It is charged for the worst case.
func (b *Backend) Cost(op remote.Op) int {
	if op == remote.OpWrite {
		return 3
	}
	return 1
}

func (b *Backend) FetchAll(ctx context.Context) ([]record.Record, error) {
	t, err := b.readTable(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]record.Record, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, t.record(r))
	}
	return out, nil
}

func (b *Backend) Fetch(ctx context.Context, key string) (record.Record, error) {
	t, err := b.readTable(ctx)
	if err != nil {
		return record.Record{}, err
	}
	r, ok := t.find(key)
	if !ok {
		return record.Record{}, remote.ErrNotFound
	}
	return t.record(r), nil
}

func (b *Backend) Write(ctx context.Context, key string, delta, base record.Fields, baseVersion uint64) (uint64, error) {
	if strings.TrimSpace(key) == "" {
		return 0, remote.Permanent(errors.New("sheets: empty key"))
	}
	t, err := b.readTable(ctx)
	if err != nil {
		return 0, err
	}

	existing, found := t.find(key)
	var have uint64
	if found {
		have = existing.version
	}
	// Human edits leave _version alone; compare the cells the delta touches.
	if have != baseVersion || (found && len(remote.ChangedUnderneath(delta, base, t.record(existing).Fields)) > 0) {
		ce := &remote.ConflictError{Key: key, Intent: delta.Clone(), BaseVersion: baseVersion}
		if found {
			cur := t.record(existing)
			ce.Current = &cur
		}
		return 0, ce
	}

	t.ensureColumns(delta.Names())
	if first, cells, ok := t.newColumns(); ok {
		if err := b.update(ctx, b.rangeCell(first, 1), cells); err != nil {
			return 0, err
		}
	}

	next := have + 1
	var cells []string
	if found {
		cells = pad(existing.cells, len(t.header))
	} else {
		cells = make([]string, len(t.header))
		cells[t.keyIdx] = key
	}
	for _, f := range delta {
		cells[t.col[f.Name]] = f.Value
	}
	cells[t.versionIdx] = strconv.FormatUint(next, 10)
	cells[t.updatedIdx] = b.now().UTC().Format(time.RFC3339)

	if found {
		err = b.update(ctx, b.rangeRow(existing.rowNum), cells)
	} else {
		err = b.append(ctx, cells)
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (b *Backend) readTable(ctx context.Context) (*table, error) {
	vr, err := b.svc.Spreadsheets.Values.Get(b.cfg.SpreadsheetID, quoteSheet(b.cfg.Sheet)).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify(err)
	}
	return parseTable(vr.Values, b.cfg)
}

func (b *Backend) update(ctx context.Context, rng string, cells []string) error {
	_, err := b.svc.Spreadsheets.Values.Update(b.cfg.SpreadsheetID, rng, valueRange(cells)).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return classify(err)
}

func (b *Backend) append(ctx context.Context, cells []string) error {
	_, err := b.svc.Spreadsheets.Values.Append(b.cfg.SpreadsheetID, quoteSheet(b.cfg.Sheet), valueRange(cells)).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	return classify(err)
}

func (b *Backend) rangeRow(rowNum int) string {
	return b.rangeCell(0, rowNum)
}

// rangeCell is the A1 range starting at the 0-based column col of rowNum.
func (b *Backend) rangeCell(col, rowNum int) string {
	return quoteSheet(b.cfg.Sheet) + "!" + columnLetter(col) + strconv.Itoa(rowNum)
}

func valueRange(cells []string) *sheetsapi.ValueRange {
	row := make([]interface{}, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return &sheetsapi.ValueRange{Values: [][]interface{}{row}}
}

func quoteSheet(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

// classify maps API failures onto the remote error taxonomy: 429 and 5xx
// stay retryable, every other 4xx is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests:
		if d := retryAfter(gerr.Header); d > 0 {
			return &remote.RetryAfterError{After: d, Err: err}
		}
		return err
	case gerr.Code >= 500:
		return err
	case gerr.Code >= 400:
		return remote.Permanent(err)
	}
	return err
}

func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
