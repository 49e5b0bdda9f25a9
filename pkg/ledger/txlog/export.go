package txlog

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"mercator-hq/credits/pkg/ledger/model"
)

// ExportError is returned when writing an export fails.
type ExportError struct {
	Format string
	Count  int
	Err    error
}

// Error returns the error message.
func (e *ExportError) Error() string {
	return fmt.Sprintf("%s export failed after %d entries: %v", e.Format, e.Count, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExportError) Unwrap() error {
	return e.Err
}

// CSVExporter exports entries as CSV.
type CSVExporter struct {
	// IncludeHeader includes a header row with column names.
	IncludeHeader bool
}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{IncludeHeader: includeHeader}
}

var csvHeader = []string{
	"id", "user", "endpoint", "token_type", "context",
	"raw_amount", "token_value", "balance", "created_at",
}

// Export writes entries to w in CSV format.
func (e *CSVExporter) Export(ctx context.Context, entries []model.TransactionEntry, w io.Writer) error {
	writer := csv.NewWriter(w)

	if e.IncludeHeader {
		if err := writer.Write(csvHeader); err != nil {
			return &ExportError{Format: "csv", Err: err}
		}
	}

	for i, entry := range entries {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := writer.Write(entryToRow(entry)); err != nil {
			return &ExportError{Format: "csv", Count: i, Err: err}
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return &ExportError{Format: "csv", Count: len(entries), Err: err}
	}
	return nil
}

func entryToRow(e model.TransactionEntry) []string {
	return []string{
		e.ID,
		e.User,
		e.Endpoint,
		string(e.TokenType),
		string(e.Context),
		strconv.FormatInt(e.RawAmount, 10),
		strconv.FormatInt(e.TokenValue, 10),
		strconv.FormatInt(e.Balance, 10),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// JSONExporter exports entries as a JSON array.
type JSONExporter struct {
	// Pretty enables indentation.
	Pretty bool
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{Pretty: pretty}
}

// Export writes entries to w as a JSON array. An empty slice produces "[]".
func (e *JSONExporter) Export(ctx context.Context, entries []model.TransactionEntry, w io.Writer) error {
	if entries == nil {
		entries = []model.TransactionEntry{}
	}
	enc := json.NewEncoder(w)
	if e.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(entries); err != nil {
		return &ExportError{Format: "json", Count: len(entries), Err: err}
	}
	return nil
}

// NewExporter returns the exporter for format ("csv" or "json").
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "csv":
		return NewCSVExporter(true), nil
	case "json":
		return NewJSONExporter(true), nil
	default:
		return nil, fmt.Errorf("%w: unsupported export format %q", model.ErrInvalidRequest, format)
	}
}
