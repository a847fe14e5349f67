// Package excel imports outcome history from operator-maintained
// spreadsheets. Both xlsx and csv layouts are accepted; the expected
// columns are date, predicted, actual, and an optional miss tag.
package excel

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"shadowgate/domain/core"
	"shadowgate/domain/forecast"
	"shadowgate/domain/rules"
	"shadowgate/ports"
)

// Row is one parsed outcome row.
type Row struct {
	Date      time.Time
	Predicted float64
	Actual    bool
	Tag       string // empty unless the row carries a miss tag
}

// OutcomeReader reads outcome history files.
type OutcomeReader struct {
	filePath string
	fileType string // "xlsx" or "csv"
}

// NewOutcomeReader creates a reader for the given file.
func NewOutcomeReader(filePath string) *OutcomeReader {
	fileType := "xlsx"
	if strings.ToLower(filepath.Ext(filePath)) == ".csv" {
		fileType = "csv"
	}
	return &OutcomeReader{filePath: filePath, fileType: fileType}
}

// Read parses the file into outcome rows, skipping the header.
func (r *OutcomeReader) Read() ([]Row, error) {
	if _, err := os.Stat(r.filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("outcome file not found: %s", r.filePath)
	}

	var records [][]string
	var err error
	switch r.fileType {
	case "csv":
		records, err = r.readCSV()
	case "xlsx":
		records, err = r.readExcel()
	default:
		return nil, fmt.Errorf("unsupported file type: %s", r.fileType)
	}
	if err != nil {
		return nil, err
	}
	return parseRows(records)
}

func (r *OutcomeReader) readCSV() ([][]string, error) {
	f, err := os.Open(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return records, nil
}

func (r *OutcomeReader) readExcel() ([][]string, error) {
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("excel file has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func parseRows(records [][]string) ([]Row, error) {
	var out []Row
	for i, rec := range records {
		if i == 0 {
			continue // header
		}
		if len(rec) < 3 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		row, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		out = append(out, row)
	}
	return out, nil
}

func parseRow(rec []string) (Row, error) {
	date, err := parseDate(strings.TrimSpace(rec[0]))
	if err != nil {
		return Row{}, err
	}
	predicted, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
	if err != nil {
		return Row{}, fmt.Errorf("invalid predicted probability %q", rec[1])
	}
	if predicted < 0 || predicted > 1 {
		return Row{}, fmt.Errorf("predicted probability %v outside [0,1]", predicted)
	}
	actual, err := parseBool(strings.TrimSpace(rec[2]))
	if err != nil {
		return Row{}, err
	}
	row := Row{Date: date, Predicted: predicted, Actual: actual}
	if len(rec) > 3 {
		row.Tag = strings.ToUpper(strings.TrimSpace(rec[3]))
	}
	return row, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "01/02/2006", "1/2/2006", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "hit", "up":
		return true, nil
	case "0", "false", "no", "miss", "down":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized outcome %q", s)
}

// OutcomeStore serves imported rows as the persisted outcome history.
// It satisfies the store port for file-backed deployments.
type OutcomeStore struct {
	rows []Row
}

// NewOutcomeStore wraps parsed rows.
func NewOutcomeStore(rows []Row) *OutcomeStore {
	return &OutcomeStore{rows: rows}
}

var _ ports.OutcomeStore = (*OutcomeStore)(nil)

// HistoricalOutcomes returns the (predicted, actual) pairs within the
// lookback.
func (s *OutcomeStore) HistoricalOutcomes(_ context.Context, days int) ([]forecast.OutcomeObservation, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var out []forecast.OutcomeObservation
	for _, r := range s.rows {
		if r.Date.After(cutoff) {
			out = append(out, forecast.OutcomeObservation{
				Predicted: r.Predicted,
				Actual:    r.Actual,
				At:        core.NewTimestamp(r.Date),
			})
		}
	}
	return out, nil
}

// MissTags returns the tagged miss events within the lookback.
func (s *OutcomeStore) MissTags(_ context.Context, days int) ([]rules.TaggedEvent, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var out []rules.TaggedEvent
	for _, r := range s.rows {
		if r.Tag != "" && r.Date.After(cutoff) {
			out = append(out, rules.TaggedEvent{Tag: r.Tag, At: core.NewTimestamp(r.Date)})
		}
	}
	return out, nil
}
