package table

import (
	"encoding/csv"
	"fmt"
	"os"
)

// CSV is a Table backed by a CSV file with a header row, one of whose
// columns is "id". Columns are arbitrary; the header names them.
type CSV struct {
	rows map[string]map[string]string
	ids  []string
}

// NewCSV reads path, whose first row is a header naming columns, one of
// which must be "id".
func NewCSV(path string) (*CSV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("table: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("table: read %s: %w", path, err)
	}
	if len(records) == 0 {
		return &CSV{rows: map[string]map[string]string{}}, nil
	}

	header := records[0]
	idCol := -1
	for i, h := range header {
		if h == "id" {
			idCol = i
			break
		}
	}
	if idCol < 0 {
		return nil, fmt.Errorf("table: %s has no \"id\" column", path)
	}

	t := &CSV{rows: make(map[string]map[string]string, len(records)-1)}
	for _, rec := range records[1:] {
		if idCol >= len(rec) {
			continue
		}
		id := rec[idCol]
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		if _, exists := t.rows[id]; !exists {
			t.ids = append(t.ids, id)
		}
		t.rows[id] = row
	}
	return t, nil
}

func (t *CSV) Get(id string) (map[string]string, error) {
	row, ok := t.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return row, nil
}

func (t *CSV) List(offset, size int) ([]map[string]string, error) {
	if offset < 0 || offset > len(t.ids) {
		return nil, nil
	}
	end := offset + size
	if end > len(t.ids) {
		end = len(t.ids)
	}
	out := make([]map[string]string, 0, end-offset)
	for _, id := range t.ids[offset:end] {
		out = append(out, t.rows[id])
	}
	return out, nil
}

func (t *CSV) IDs() ([]string, error) {
	out := make([]string, len(t.ids))
	copy(out, t.ids)
	return out, nil
}
