// Package source streams flat transition records out of the RPA county
// land-use projection JSON release.
package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rpa-landuse/internal/model"
)

// warnLimit caps per-record skip warnings; later skips log at debug.
const warnLimit = 10

// Format names the keys of the release. The document nests
// scenario -> period -> county FIPS -> rows, where the county value is either
// an array of row objects or an object keyed by from-code.
//
// A matrix row carries RowKey (the from-code) and one key per to-code holding
// acres. A record row carries FromKey, ToKey and AcresKey.
type Format struct {
	RowKey   string
	FromKey  string
	ToKey    string
	AcresKey string
	Ignore   []string // columns dropped silently, e.g. the t1/t2 totals
}

// DefaultFormat matches the RDS-2023-0026 release.
func DefaultFormat() Format {
	return Format{
		RowKey:   "_row",
		FromKey:  "from",
		ToKey:    "to",
		AcresKey: "acres",
		Ignore:   []string{"t1", "t2"},
	}
}

// Record is one raw transition with its natural keys.
type Record struct {
	Index    int64 // 1-based position among raw records, skipped ones included
	Scenario string
	Period   string
	FIPS     string
	From     string
	To       string
	Acres    float64
}

// Stats counts what a stream has seen so far.
type Stats struct {
	Read    int64
	Emitted int64
	Skipped int64
}

// ParseError reports malformed JSON with the byte offset it was detected at.
type ParseError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("source: malformed json in %s at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Loader streams records from one file. A Loader is single-use.
type Loader struct {
	path   string
	format Format
	ignore map[string]bool

	read    atomic.Int64
	emitted atomic.Int64
	skipped atomic.Int64
}

// New creates a loader for path. Empty Format fields fall back to DefaultFormat.
func New(path string, format Format) *Loader {
	def := DefaultFormat()
	if format.RowKey == "" {
		format.RowKey = def.RowKey
	}
	if format.FromKey == "" {
		format.FromKey = def.FromKey
	}
	if format.ToKey == "" {
		format.ToKey = def.ToKey
	}
	if format.AcresKey == "" {
		format.AcresKey = def.AcresKey
	}
	if format.Ignore == nil {
		format.Ignore = def.Ignore
	}
	ignore := make(map[string]bool, len(format.Ignore))
	for _, c := range format.Ignore {
		ignore[strings.ToLower(c)] = true
	}
	return &Loader{path: path, format: format, ignore: ignore}
}

// Path returns the file being read.
func (l *Loader) Path() string { return l.path }

// Stats returns the current counters.
func (l *Loader) Stats() Stats {
	return Stats{
		Read:    l.read.Load(),
		Emitted: l.emitted.Load(),
		Skipped: l.skipped.Load(),
	}
}

// Stream walks the document and sends records in file order. Both channels
// are closed when processing completes; at most one error is sent.
func (l *Loader) Stream(ctx context.Context) (<-chan Record, <-chan error) {
	out := make(chan Record, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(l.path)
		if err != nil {
			errCh <- eris.Wrapf(err, "source: open %s", l.path)
			return
		}
		defer f.Close() //nolint:errcheck

		dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<20))
		dec.UseNumber()

		p := &parser{
			l:   l,
			dec: dec,
			ctx: ctx,
			out: out,
			log: zap.L().With(zap.String("component", "source"), zap.String("path", l.path)),
		}
		if err := p.document(); err != nil {
			errCh <- err
			return
		}

		st := l.Stats()
		if st.Skipped > 0 {
			p.log.Warn("records skipped", zap.Int64("skipped", st.Skipped), zap.Int64("read", st.Read))
		}
	}()

	return out, errCh
}

type parser struct {
	l   *Loader
	dec *json.Decoder
	ctx context.Context
	out chan<- Record
	log *zap.Logger
}

func (p *parser) fail(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &ParseError{Path: p.l.path, Offset: p.dec.InputOffset(), Err: err}
}

func (p *parser) delim(want json.Delim, what string) error {
	tok, err := p.dec.Token()
	if err != nil {
		return p.fail(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return p.fail(eris.Errorf("expected %q for %s, got %v", string(want), what, tok))
	}
	return nil
}

func (p *parser) key() (string, error) {
	tok, err := p.dec.Token()
	if err != nil {
		return "", p.fail(err)
	}
	k, ok := tok.(string)
	if !ok {
		return "", p.fail(eris.Errorf("expected object key, got %v", tok))
	}
	return k, nil
}

func (p *parser) document() error {
	if err := p.delim('{', "document"); err != nil {
		return err
	}
	for p.dec.More() {
		scenario, err := p.key()
		if err != nil {
			return err
		}
		if err := p.scenario(scenario); err != nil {
			return err
		}
	}
	if err := p.delim('}', "document end"); err != nil {
		return err
	}
	if _, err := p.dec.Token(); err != io.EOF {
		return p.fail(eris.New("trailing data after document"))
	}
	return nil
}

func (p *parser) scenario(scenario string) error {
	if err := p.delim('{', "scenario "+scenario); err != nil {
		return err
	}
	for p.dec.More() {
		period, err := p.key()
		if err != nil {
			return err
		}
		if err := p.delim('{', "period "+period); err != nil {
			return err
		}
		for p.dec.More() {
			county, err := p.key()
			if err != nil {
				return err
			}
			if err := p.county(scenario, period, county); err != nil {
				return err
			}
		}
		if err := p.delim('}', "period end"); err != nil {
			return err
		}
	}
	return p.delim('}', "scenario end")
}

func (p *parser) county(scenario, period, county string) error {
	fips := model.NormalizeFIPS(county)
	if fips == "" {
		// Kept verbatim so the lookup error names what the file says.
		fips = county
	}
	base := Record{Scenario: scenario, Period: period, FIPS: fips}

	tok, err := p.dec.Token()
	if err != nil {
		return p.fail(err)
	}
	switch tok {
	case json.Delim('['):
		for p.dec.More() {
			var row map[string]any
			if err := p.dec.Decode(&row); err != nil {
				return p.fail(err)
			}
			if err := p.row(base, "", row); err != nil {
				return err
			}
		}
		return p.delim(']', "county rows end")
	case json.Delim('{'):
		for p.dec.More() {
			from, err := p.key()
			if err != nil {
				return err
			}
			var row map[string]any
			if err := p.dec.Decode(&row); err != nil {
				return p.fail(err)
			}
			if err := p.row(base, from, row); err != nil {
				return err
			}
		}
		return p.delim('}', "county rows end")
	case nil:
		p.skip(base, "county has no rows")
		return nil
	default:
		return p.fail(eris.Errorf("county %s: expected array or object, got %v", county, tok))
	}
}

// row expands one row object into records.
func (p *parser) row(base Record, from string, row map[string]any) error {
	f := p.l.format
	_, hasFrom := row[f.FromKey]
	_, hasTo := row[f.ToKey]
	if from == "" && (hasFrom || hasTo) {
		rec := base
		rec.From = stringValue(row[f.FromKey])
		rec.To = stringValue(row[f.ToKey])
		return p.cell(rec, row[f.AcresKey])
	}

	if from == "" {
		from = stringValue(row[f.RowKey])
	}
	cols := make([]string, 0, len(row))
	for k := range row {
		if k == f.RowKey || p.l.ignore[strings.ToLower(k)] {
			continue
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)

	if from == "" {
		n := max(len(cols), 1)
		for range n {
			p.skip(base, "row has no from code")
		}
		return nil
	}

	for _, to := range cols {
		rec := base
		rec.From = from
		rec.To = to
		if err := p.cell(rec, row[to]); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) cell(rec Record, raw any) error {
	if rec.From == "" || rec.To == "" {
		p.skip(rec, "missing land-use code")
		return nil
	}
	acres, reason := acresValue(raw)
	if reason != "" {
		p.skip(rec, reason)
		return nil
	}
	rec.Acres = acres
	rec.Index = p.l.read.Add(1)
	p.l.emitted.Add(1)

	select {
	case p.out <- rec:
		return nil
	case <-p.ctx.Done():
		return eris.Wrap(p.ctx.Err(), "source: context cancelled")
	}
}

func (p *parser) skip(rec Record, reason string) {
	idx := p.l.read.Add(1)
	n := p.l.skipped.Add(1)
	level := p.log.Debug
	if n <= warnLimit {
		level = p.log.Warn
	}
	level("skipping record",
		zap.Int64("index", idx),
		zap.String("reason", reason),
		zap.String("scenario", rec.Scenario),
		zap.String("period", rec.Period),
		zap.String("fips", rec.FIPS),
		zap.String("from", rec.From),
		zap.String("to", rec.To),
	)
}

func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

// acresValue returns the acreage or a reason to skip the record.
func acresValue(v any) (float64, string) {
	var (
		f   float64
		err error
	)
	switch x := v.(type) {
	case nil:
		return 0, "missing acres"
	case json.Number:
		f, err = x.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	case float64:
		f = x
	default:
		return 0, fmt.Sprintf("acres has type %T", v)
	}
	switch {
	case err != nil:
		return 0, "acres is not a number"
	case math.IsNaN(f) || math.IsInf(f, 0):
		return 0, "acres is not finite"
	case f < 0:
		return 0, "negative acres"
	}
	return f, ""
}
