// Package migrate imports legacy ledger documents into a store.
//
// Legacy documents mix deprecated flat limit fields with the endpointLimits
// list. They are normalized once on import (see Normalize); the rest of the
// ledger only ever sees the current shape.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mercator-hq/credits/pkg/ledger/model"
	"mercator-hq/credits/pkg/ledger/retry"
	"mercator-hq/credits/pkg/ledger/storage"
	"mercator-hq/credits/pkg/ledger/txlog"
)

// Input formats.
const (
	FormatAuto  = "auto"
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatYAML  = "yaml"
)

// DefaultEndpoint names the limit built from flat legacy fields.
const DefaultEndpoint = "default"

// Summary reports one import.
type Summary struct {
	// Read is the number of records decoded.
	Read     int
	Imported int
	Skipped  int
	Failed   int

	// Limits is the number of endpoint limits written.
	Limits int

	Errors []error
}

// Err joins the per-record errors, nil when every record succeeded.
func (s *Summary) Err() error {
	return errors.Join(s.Errors...)
}

// Migrator writes normalized legacy records through a store.
type Migrator struct {
	store           storage.Store
	log             *txlog.Log
	policy          retry.Policy
	overwrite       bool
	dryRun          bool
	defaultEndpoint string
	progress        func(done, total int)
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithOverwrite imports records whose user already exists, patching the
// limits the document lists. Other limits of the user are kept.
func WithOverwrite(enabled bool) Option {
	return func(m *Migrator) { m.overwrite = enabled }
}

// WithDryRun decodes and normalizes without writing.
func WithDryRun(enabled bool) Option {
	return func(m *Migrator) { m.dryRun = enabled }
}

// WithDefaultEndpoint names the limit built from flat legacy fields.
func WithDefaultEndpoint(name string) Option {
	return func(m *Migrator) {
		if name != "" {
			m.defaultEndpoint = name
		}
	}
}

// WithProgress calls fn after every record with the number processed so far.
func WithProgress(fn func(done, total int)) Option {
	return func(m *Migrator) { m.progress = fn }
}

// WithRetryPolicy sets the policy for transient storage failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Migrator) { m.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Migrator) { m.logger = logger.With("component", "ledger.migrate") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Migrator) { m.now = now }
}

// New creates a Migrator. Migration transactions are appended through log.
func New(store storage.Store, log *txlog.Log, opts ...Option) *Migrator {
	m := &Migrator{
		store:           store,
		log:             log,
		policy:          retry.DefaultPolicy(),
		defaultEndpoint: DefaultEndpoint,
		logger:          slog.Default().With("component", "ledger.migrate"),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ImportFile imports the records in path. With FormatAuto the format comes
// from the file extension, falling back to the content.
func (m *Migrator) ImportFile(ctx context.Context, path, format string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open legacy file: %w", err)
	}
	defer f.Close()

	if format == "" || format == FormatAuto {
		format = formatFromExt(path)
	}
	return m.Import(ctx, f, format)
}

func formatFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatAuto
}

// Import decodes records from r and imports them one by one. A record that
// fails is counted and the import continues. The returned error is reserved
// for input that cannot be decoded at all.
func (m *Migrator) Import(ctx context.Context, r io.Reader, format string) (*Summary, error) {
	records, err := Decode(r, format)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Read: len(records)}
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		n, skipped, err := m.importRecord(ctx, rec)
		switch {
		case err != nil:
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Errorf("record %d: %w", i, err))
			m.logger.WarnContext(ctx, "legacy record not imported", "index", i, "user", rec.User, "error", err)
		case skipped:
			summary.Skipped++
		default:
			summary.Imported++
			summary.Limits += n
		}
		if m.progress != nil {
			m.progress(i+1, len(records))
		}
	}

	m.logger.InfoContext(ctx, "legacy import finished",
		"read", summary.Read,
		"imported", summary.Imported,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"limits", summary.Limits,
		"dry_run", m.dryRun,
	)
	return summary, nil
}

func (m *Migrator) importRecord(ctx context.Context, rec LegacyRecord) (limits int, skipped bool, err error) {
	norm, err := Normalize(rec, m.defaultEndpoint)
	if err != nil {
		return 0, false, err
	}

	if !m.overwrite {
		_, err := retry.Do(ctx, m.policy, func(ctx context.Context) (*model.LedgerRecord, error) {
			return m.store.GetRecord(ctx, norm.User)
		})
		switch {
		case err == nil:
			m.logger.DebugContext(ctx, "legacy record exists, skipping", "user", norm.User)
			return 0, true, nil
		case !errors.Is(err, model.ErrRecordNotFound):
			return 0, false, err
		}
	}
	if m.dryRun {
		return len(norm.Limits), false, nil
	}

	now := m.now()
	err = retry.Run(ctx, m.policy, func(ctx context.Context) error {
		_, err := m.store.EnsureRecord(ctx, norm.User, now)
		return err
	})
	if err != nil {
		return 0, false, err
	}

	for _, u := range norm.Limits {
		limit, err := retry.Do(ctx, m.policy, func(ctx context.Context) (*model.EndpointLimit, error) {
			return m.store.UpsertLimit(ctx, norm.User, u, now)
		})
		if err != nil {
			return limits, false, err
		}
		limits++

		_, err = m.log.Append(ctx, model.TransactionEntry{
			User:       norm.User,
			Endpoint:   limit.Endpoint,
			TokenType:  model.TokenCredits,
			Context:    model.ContextMigration,
			RawAmount:  limit.TokenCredits,
			TokenValue: limit.TokenCredits,
			Balance:    limit.TokenCredits,
			CreatedAt:  now,
		})
		if err != nil {
			return limits, false, fmt.Errorf("log migration of %s/%s: %w", norm.User, limit.Endpoint, err)
		}
	}
	return limits, false, nil
}

// Decode reads legacy records in the given format. FormatAuto inspects the
// first non-space byte: '[' is a JSON array, '{' is JSON lines, anything
// else is YAML.
func Decode(r io.Reader, format string) ([]LegacyRecord, error) {
	br := bufio.NewReader(r)
	if format == "" || format == FormatAuto {
		format = sniff(br)
	}

	var records []LegacyRecord
	switch format {
	case FormatJSON:
		if err := json.NewDecoder(br).Decode(&records); err != nil {
			return nil, fmt.Errorf("decode JSON records: %w", err)
		}
	case FormatJSONL:
		dec := json.NewDecoder(br)
		for {
			var rec LegacyRecord
			err := dec.Decode(&rec)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("decode JSON line %d: %w", len(records)+1, err)
			}
			records = append(records, rec)
		}
	case FormatYAML:
		if err := yaml.NewDecoder(br).Decode(&records); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decode YAML records: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown migration format %q", model.ErrInvalidRequest, format)
	}
	return records, nil
}

func sniff(br *bufio.Reader) string {
	for n := 1; ; n++ {
		b, err := br.Peek(n)
		if err != nil || len(b) < n {
			return FormatYAML
		}
		switch c := b[n-1]; {
		case bytes.IndexByte([]byte(" \t\r\n"), c) >= 0:
			continue
		case c == '[':
			return FormatJSON
		case c == '{':
			return FormatJSONL
		default:
			return FormatYAML
		}
	}
}
