package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/policyreviewer/pipeline/internal/audit"
	"github.com/policyreviewer/pipeline/internal/entity"
	"github.com/policyreviewer/pipeline/internal/review"
)

// AuditReader supplies audit events for a UTC day window.
type AuditReader interface {
	ReadRange(ctx context.Context, from, to time.Time) ([]audit.Event, error)
}

// Service produces XLSX and CSV bytes from persisted analysis output
// and the audit trail.
type Service struct {
	review *review.Review
	audit  AuditReader
	logger *slog.Logger
}

func NewService(rev *review.Review, auditor AuditReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{review: rev, audit: auditor, logger: logger}
}

// AuditReportXLSX returns a workbook listing every audit event between
// from and to, inclusive by UTC day.
func (s *Service) AuditReportXLSX(ctx context.Context, from, to time.Time) ([]byte, error) {
	start := time.Now()

	events, err := s.audit.ReadRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("read audit range: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Audit"
	_ = f.SetSheetName(f.GetSheetName(0), sheet)

	headers := []string{"Timestamp", "Stage", "Status", "Source Key", "Job ID", "Mode", "Output Prefix"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, ev := range events {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, ev.Timestamp.UTC().Format(time.RFC3339))
		write(2, string(ev.Stage))
		write(3, string(ev.Status))
		write(4, ev.SourceKey)
		write(5, ev.JobID)
		write(6, string(ev.Mode))
		write(7, ev.OutputPrefix)
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 22)
	_ = f.SetColWidth(sheet, "B", "C", 16)
	_ = f.SetColWidth(sheet, "D", "E", 42)
	_ = f.SetColWidth(sheet, "F", "F", 10)
	_ = f.SetColWidth(sheet, "G", "G", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.audit.ok",
		"from", from.UTC().Format("2006-01-02"),
		"to", to.UTC().Format("2006-01-02"),
		"rows", len(events),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// ResultsXLSX renders the newest persisted output for a source key as
// a workbook: a Text sheet with the detected lines, a Key Values sheet
// with the extracted form fields, and one sheet per table.
func (s *Service) ResultsXLSX(ctx context.Context, sourceKey string) ([]byte, error) {
	start := time.Now()

	_, m, err := s.review.FindManifest(ctx, sourceKey)
	if err != nil {
		return nil, err
	}
	blocks, err := s.review.LoadBlocks(ctx, m)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()

	const textSheet = "Text"
	_ = f.SetSheetName(f.GetSheetName(0), textSheet)
	row := 1
	for _, ln := range strings.Split(review.Lines(blocks), "\n") {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		_ = f.SetCellValue(textSheet, cell, ln)
		row++
	}
	_ = f.SetColWidth(textSheet, "A", "A", 100)

	const kvSheet = "Key Values"
	if _, err := f.NewSheet(kvSheet); err != nil {
		return nil, err
	}
	_ = f.SetCellValue(kvSheet, "A1", "Key")
	_ = f.SetCellValue(kvSheet, "B1", "Value")
	kvs := review.KeyValuePairs(blocks)
	for i, kv := range kvs {
		cellA, _ := excelize.CoordinatesToCellName(1, i+2)
		cellB, _ := excelize.CoordinatesToCellName(2, i+2)
		_ = f.SetCellValue(kvSheet, cellA, kv.Key)
		_ = f.SetCellValue(kvSheet, cellB, truncate(kv.Value, 140))
	}
	_ = f.SetColWidth(kvSheet, "A", "B", 40)

	tables := review.Tables(blocks)
	for ti, table := range tables {
		sheet := fmt.Sprintf("Table %d", ti+1)
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
		writeTableSheet(f, sheet, table)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.results.ok",
		"source_key", sourceKey,
		"job_id", m.JobID,
		"key_values", len(kvs),
		"tables", len(tables),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// TablesXLSX renders just the extracted tables of a persisted result,
// one sheet per table, with a summary sheet naming the job they came
// from.
func (s *Service) TablesXLSX(m *entity.Manifest, tables []review.Table) ([]byte, error) {
	f := excelize.NewFile()

	const summary = "Summary"
	_ = f.SetSheetName(f.GetSheetName(0), summary)
	_ = f.SetCellValue(summary, "A1", "Job ID")
	_ = f.SetCellValue(summary, "B1", m.JobID)
	_ = f.SetCellValue(summary, "A2", "Source Key")
	_ = f.SetCellValue(summary, "B2", m.SourceKey)
	_ = f.SetCellValue(summary, "A3", "Processed")
	_ = f.SetCellValue(summary, "B3", m.CreatedUTC)
	_ = f.SetCellValue(summary, "A4", "Tables")
	_ = f.SetCellValue(summary, "B4", len(tables))
	_ = f.SetColWidth(summary, "A", "A", 14)
	_ = f.SetColWidth(summary, "B", "B", 64)

	for ti, table := range tables {
		sheet := fmt.Sprintf("Table %d", ti+1)
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
		writeTableSheet(f, sheet, table)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.tables.ok", "job_id", m.JobID, "tables", len(tables))
	return buf.Bytes(), nil
}

func writeTableSheet(f *excelize.File, sheet string, table review.Table) {
	r := 1
	if table.Headers != nil {
		for ci, h := range table.Headers {
			cell, _ := excelize.CoordinatesToCellName(ci+1, r)
			_ = f.SetCellValue(sheet, cell, h)
		}
		r++
	}
	for _, tr := range table.Rows {
		for ci, v := range tr {
			cell, _ := excelize.CoordinatesToCellName(ci+1, r)
			_ = f.SetCellValue(sheet, cell, v)
		}
		r++
	}
}

// WriteTableCSV streams one extracted table as CSV, headers first when
// present.
func WriteTableCSV(w io.Writer, t review.Table) error {
	cw := csv.NewWriter(w)
	if t.Headers != nil {
		if err := cw.Write(t.Headers); err != nil {
			return err
		}
	}
	for _, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// TableCSV renders one extracted table as CSV bytes.
func TableCSV(t review.Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteTableCSV(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
