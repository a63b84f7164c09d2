package csvproc

import (
	"errors"
	"testing"

	"github.com/csvflow/csvflow/pkg/types"
)

func permanent(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	if types.IsRetryable(err) {
		t.Errorf("expected a permanent error, got retryable: %v", err)
	}
}

func TestProcess(t *testing.T) {
	t.Run("valid CSV yields enriched rows", func(t *testing.T) {
		tr := New(nil)
		data, err := tr.Process([]byte("name,value,category\nProduct1,100,A\nProduct2,200,B\n"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if data.RowCount != 2 {
			t.Errorf("expected 2 rows, got %d", data.RowCount)
		}
		if data.Rows[0]["name"] != "Product1" || data.Rows[0]["value"] != "100" {
			t.Errorf("unexpected first row: %v", data.Rows[0])
		}
		if data.Rows[1]["category"] != "B" {
			t.Errorf("unexpected second row: %v", data.Rows[1])
		}
		for _, row := range data.Rows {
			if row["processed_at"] == "" {
				t.Error("expected processed_at enrichment on every row")
			}
		}
	})

	t.Run("empty input is a permanent failure", func(t *testing.T) {
		tr := New(nil)
		_, err := tr.Process(nil)
		permanent(t, err)
	})

	t.Run("header without rows is a permanent failure", func(t *testing.T) {
		tr := New(nil)
		_, err := tr.Process([]byte("name,value\n"))
		permanent(t, err)
	})

	t.Run("missing required column is a permanent failure", func(t *testing.T) {
		tr := New(nil)
		_, err := tr.Process([]byte("name,price\nProduct1,100\n"))
		permanent(t, err)

		var pe *types.ProcessingError
		if !errors.As(err, &pe) {
			t.Fatalf("expected ProcessingError, got %T", err)
		}
	})

	t.Run("malformed CSV is a permanent failure", func(t *testing.T) {
		tr := New(nil)
		_, err := tr.Process([]byte("name,value\n\"unterminated,100\n"))
		permanent(t, err)
	})

	t.Run("custom required columns are honored", func(t *testing.T) {
		tr := New([]string{"id"})
		if _, err := tr.Process([]byte("id,value\n1,100\n")); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		_, err := tr.Process([]byte("name,value\nProduct1,100\n"))
		permanent(t, err)
	})
}
