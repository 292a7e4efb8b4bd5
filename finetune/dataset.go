package finetune

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"seqtune/emb"
)

// Example is one labeled training row.
type Example struct {
	Text  string
	Label float64
}

// ReadTextColumn reads one text column from a CSV or TSV file. The column
// selector is a header name or a 1-based "#N" index; empty selects the
// first column. Files with other extensions are read as one text per line.
// A header row is skipped when the selector matched a header name or
// hasHeader is set.
func ReadTextColumn(path, column string, hasHeader bool) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".csv" && ext != ".tsv" {
		return readTextLines(path)
	}
	rows, err := readDelimited(path)
	if err != nil {
		return nil, err
	}
	col, fromHeader, err := matchColumn(rows[0], column, 0)
	if err != nil {
		return nil, err
	}
	start := 0
	if fromHeader || hasHeader {
		start = 1
	}
	texts := make([]string, 0, len(rows)-start)
	for _, row := range rows[start:] {
		if col >= len(row) {
			continue
		}
		text := cleanCell(row[col])
		if text == "" {
			continue
		}
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts found in %s", path)
	}
	return texts, nil
}

// ReadLabeledColumns reads text and numeric label columns from a CSV or
// TSV file. Empty text rows are skipped; a label cell that does not parse
// as a number fails, naming the row.
func ReadLabeledColumns(path, textColumn, labelColumn string, hasHeader bool) ([]Example, error) {
	rows, err := readDelimited(path)
	if err != nil {
		return nil, err
	}
	textCol, textFromHeader, err := matchColumn(rows[0], textColumn, 0)
	if err != nil {
		return nil, err
	}
	labelCol, labelFromHeader, err := matchColumn(rows[0], labelColumn, 1)
	if err != nil {
		return nil, err
	}
	start := 0
	if textFromHeader || labelFromHeader || hasHeader {
		start = 1
	}
	examples := make([]Example, 0, len(rows)-start)
	for i, row := range rows[start:] {
		if textCol >= len(row) || labelCol >= len(row) {
			continue
		}
		text := cleanCell(row[textCol])
		if text == "" {
			continue
		}
		label, err := strconv.ParseFloat(cleanCell(row[labelCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: label %q is not a number", start+i+1, row[labelCol])
		}
		examples = append(examples, Example{Text: text, Label: label})
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("no labeled rows found in %s", path)
	}
	return examples, nil
}

func readDelimited(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	reader := csv.NewReader(f)
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		reader.Comma = '\t'
	}
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty file %s", path)
	}
	return rows, nil
}

func readTextLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open text file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		line = cleanCell(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		return nil, errors.New("text file contains no lines")
	}
	return out, nil
}

func cleanCell(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "\ufeff")
	return v
}

// matchColumn resolves a header name or 1-based "#N" selector against the
// first row. The second result reports whether a header name matched, in
// which case the first row is data no longer.
func matchColumn(header []string, explicit string, fallback int) (int, bool, error) {
	trimmed := strings.TrimSpace(explicit)
	if trimmed == "" {
		if fallback >= len(header) {
			return -1, false, fmt.Errorf("file has %d columns, need at least %d", len(header), fallback+1)
		}
		return fallback, false, nil
	}
	for i, col := range header {
		if strings.EqualFold(cleanCell(col), trimmed) {
			return i, true, nil
		}
	}
	if strings.HasPrefix(trimmed, "#") {
		raw := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		idx, err := strconv.Atoi(raw)
		if err != nil || idx <= 0 {
			return -1, false, fmt.Errorf("invalid column index %q, want 1-based #N", explicit)
		}
		if idx > len(header) {
			return -1, false, fmt.Errorf("column index %s is out of range", trimmed)
		}
		return idx - 1, false, nil
	}
	return -1, false, fmt.Errorf("column %q not found", explicit)
}

// NormalizeExamples trims and normalizes example texts the same way the
// model does before encoding.
func NormalizeExamples(examples []Example) ([]string, []float64) {
	texts := make([]string, len(examples))
	labels := make([]float64, len(examples))
	for i, ex := range examples {
		texts[i] = emb.NormalizeText(ex.Text)
		labels[i] = ex.Label
	}
	return texts, labels
}
