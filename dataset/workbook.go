package dataset

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Entry is one question/answer row. Schema is nil for plain-qa rows.
type Entry struct {
	ID       int     `json:"id"`
	Question string  `json:"question"`
	Answer   string  `json:"answer"`
	Schema   *string `json:"schema,omitempty"`
}

// decodeWorkbook reads the first sheet of an xlsx workbook into entries.
// Rows without an id column are numbered 1..n in file order.
func decodeWorkbook(kind Kind, data []byte) ([]Entry, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s has no header row", sheets[0])
	}

	index := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range kind.requiredColumns() {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}
	idCol, hasID := index["id"]

	cell := func(row []string, col string) string {
		i := index[col]
		if i < len(row) {
			return row[i]
		}
		return ""
	}

	entries := make([]Entry, 0, len(rows)-1)
	seen := make(map[int]struct{}, len(rows)-1)
	for n, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		e := Entry{
			ID:       len(entries) + 1,
			Question: cell(row, "question"),
			Answer:   cell(row, "answer"),
		}
		if hasID {
			raw := ""
			if idCol < len(row) {
				raw = row[idCol]
			}
			id, err := parseID(raw)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", n+2, err)
			}
			e.ID = id
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("row %d: duplicate id %d", n+2, e.ID)
		}
		seen[e.ID] = struct{}{}
		if kind == KindSchemaQA {
			schema := cell(row, "schema")
			e.Schema = &schema
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// encodeWorkbook writes entries with the canonical columns of kind.
func encodeWorkbook(kind Kind, entries []Entry) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	header := make([]interface{}, 0, 4)
	for _, col := range kind.Columns() {
		header = append(header, col)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	for i, e := range entries {
		row := []interface{}{e.ID, e.Question, e.Answer}
		if kind == KindSchemaQA {
			schema := ""
			if e.Schema != nil {
				schema = *e.Schema
			}
			row = append(row, schema)
		}
		cellName, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cellName, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", e.ID, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func parseID(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if id, err := strconv.Atoi(raw); err == nil {
		return id, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != float64(int(f)) {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return int(f), nil
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
