package core

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// requiredColumns must be present in the header for an import to start
// at all; their absence is a source-format failure, not a row failure.
var requiredColumns = []string{"sku", "name"}

// headerIndex maps normalized column names to their position.
type headerIndex map[string]int

// source is a fully parsed CSV file: a header index plus data rows.
// Import files are bounded by the configured size cap, so holding the
// rows in memory keeps row numbering and batching trivial.
type source struct {
	idx  headerIndex
	rows [][]string
}

func (s *source) Len() int { return len(s.rows) }

// Row returns the i-th data row (0-based).
func (s *source) Row(i int) Row {
	return sourceRow{cells: s.rows[i], idx: s.idx}
}

type sourceRow struct {
	cells []string
	idx   headerIndex
}

func (r sourceRow) Get(column string) string {
	pos, ok := r.idx[column]
	if !ok || pos >= len(r.cells) {
		return ""
	}
	return r.cells[pos]
}

func (r sourceRow) Has(column string) bool {
	_, ok := r.idx[column]
	return ok
}

// readSource parses the uploaded file. Any error it returns is a
// source-format failure: the job fails immediately with the message and
// nothing is written.
func readSource(path string, maxSize int64) (*source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read csv file: %v", err)
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("file exceeds %d MB limit", maxSize/(1024*1024))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read csv file: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(wrapSourceReader(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv file: %v", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("failed to read csv file: file is empty")
	}

	idx := make(headerIndex, len(records[0]))
	for i, h := range records[0] {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}

	return &source{idx: idx, rows: records[1:]}, nil
}
