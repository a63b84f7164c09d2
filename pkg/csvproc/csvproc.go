// Package csvproc is the CSV transformation collaborator: a pure
// function from raw bytes to structured rows. It never touches the
// queue; validation failures are permanent, since the same bytes can
// never parse differently on retry.
package csvproc

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/csvflow/csvflow/pkg/types"
)

// DefaultRequiredColumns are checked when no explicit set is configured.
var DefaultRequiredColumns = []string{"name", "value"}

// Transformer parses header-driven CSV and enriches each row with its
// processing timestamp.
type Transformer struct {
	required []string
	now      func() time.Time
}

func New(requiredColumns []string) *Transformer {
	if len(requiredColumns) == 0 {
		requiredColumns = DefaultRequiredColumns
	}
	return &Transformer{
		required: requiredColumns,
		now:      time.Now,
	}
}

// Process parses the payload into rows keyed by header name, validates
// the required columns, and stamps each row with processed_at.
func (t *Transformer) Process(payload []byte) (*types.ResultData, error) {
	reader := csv.NewReader(bytes.NewReader(payload))

	header, err := reader.Read()
	if err == io.EOF {
		return nil, types.PermanentError(fmt.Errorf("empty CSV data"))
	}
	if err != nil {
		return nil, types.PermanentError(fmt.Errorf("invalid CSV header: %w", err))
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[name] = i
	}
	for _, required := range t.required {
		if _, ok := columns[required]; !ok {
			return nil, types.PermanentError(fmt.Errorf("missing required column: %s", required))
		}
	}

	processedAt := t.now().UTC().Format(time.RFC3339)

	var rows []map[string]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, types.PermanentError(fmt.Errorf("invalid CSV row: %w", err))
		}

		row := make(map[string]string, len(header)+1)
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		row["processed_at"] = processedAt
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, types.PermanentError(fmt.Errorf("empty CSV data"))
	}

	return &types.ResultData{
		RowCount: len(rows),
		Rows:     rows,
	}, nil
}
