// Package pgxtest provides scripted pgx rows and a fake infra.SQLExecutor for
// repository and worker tests.
package pgxtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tradepost/internal/infra"
)

type ScanFunc func(dest ...any) error

// Row is a pgx.Row backed by a scan func. A nil func yields pgx.ErrNoRows.
type Row struct {
	scan ScanFunc
}

func NewRow(scan ScanFunc) Row {
	return Row{scan: scan}
}

func (r Row) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

// Rows replays one scan func per row.
type Rows struct {
	scans  []ScanFunc
	idx    int
	err    error
	closed bool
}

func NewRows(scans ...ScanFunc) *Rows {
	return &Rows{scans: scans}
}

// WithErr makes Err report err once iteration finishes.
func (r *Rows) WithErr(err error) *Rows {
	r.err = err
	return r
}

func (r *Rows) Next() bool {
	if r.closed || r.idx >= len(r.scans) {
		return false
	}
	r.idx++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.scans) {
		return fmt.Errorf("scan called without a current row")
	}
	return r.scans[r.idx-1](dest...)
}

func (r *Rows) Err() error { return r.err }

func (r *Rows) Close() { r.closed = true }

func (r *Rows) Closed() bool { return r.closed }

func (*Rows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (*Rows) Conn() *pgx.Conn { return nil }

func (*Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (*Rows) Values() ([]any, error) {
	return nil, fmt.Errorf("values not supported in test rows")
}

func (*Rows) RawValues() [][]byte { return nil }

// Call records one statement by its marker.
type Call struct {
	Marker string
	Args   []any
}

// Executor is a scripted infra.SQLExecutor. Statements without a valid
// marker fail exactly as they would through infra.SQLRunner.
type Executor struct {
	OnExec     func(marker string, args []any) (pgconn.CommandTag, error)
	OnQueryRow func(marker string, args []any) pgx.Row
	OnQuery    func(marker string, args []any) (pgx.Rows, error)

	mu    sync.Mutex
	calls []Call
}

func (e *Executor) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	marker, _, err := infra.ExtractMarker(query)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	e.record(marker, args)
	if e.OnExec == nil {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	return e.OnExec(marker, args)
}

func (e *Executor) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	marker, _, err := infra.ExtractMarker(query)
	if err != nil {
		return NewRow(func(...any) error { return err })
	}
	e.record(marker, args)
	if e.OnQueryRow == nil {
		return NewRow(nil)
	}
	return e.OnQueryRow(marker, args)
}

func (e *Executor) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	marker, _, err := infra.ExtractMarker(query)
	if err != nil {
		return nil, err
	}
	e.record(marker, args)
	if e.OnQuery == nil {
		return NewRows(), nil
	}
	return e.OnQuery(marker, args)
}

// Calls returns the statements executed so far.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

func (e *Executor) record(marker string, args []any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, Call{Marker: marker, Args: args})
}

// MarkerOf returns the marker id of a tagged statement and panics if it has none.
func MarkerOf(query string) string {
	marker, _, err := infra.ExtractMarker(query)
	if err != nil {
		panic(err)
	}
	return marker
}

var _ infra.SQLExecutor = (*Executor)(nil)
