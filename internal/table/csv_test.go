package table

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rows.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCSVLoadsRows(t *testing.T) {
	path := writeTempCSV(t, "id,department,bonus\nid1,HR,10\nid2,Eng,20\n")

	tbl, err := NewCSV(path)
	if err != nil {
		t.Fatal(err)
	}

	row, err := tbl.Get("id2")
	if err != nil {
		t.Fatal(err)
	}
	if row["department"] != "Eng" || row["bonus"] != "20" {
		t.Fatalf("unexpected row: %v", row)
	}

	if _, err := tbl.Get("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ids, err := tbl.IDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "id1" || ids[1] != "id2" {
		t.Fatalf("unexpected id order: %v", ids)
	}
}

func TestCSVRequiresIDColumn(t *testing.T) {
	path := writeTempCSV(t, "name,salary\nalice,100\n")
	if _, err := NewCSV(path); err == nil {
		t.Fatal("expected an error for a CSV with no id column")
	}
}
