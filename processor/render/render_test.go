package render

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestWriteFile(t *testing.T) {
	rep := &Report{
		Title:   "Learner Progress",
		Columns: []string{"Learner", "Course", "Completion"},
		Rows: [][]interface{}{
			{"alice", "go-101", 100},
			{"bob", "go-101", 40},
		},
	}

	path := filepath.Join(t.TempDir(), "out.xlsx")
	if err := WriteFile(rep, path); err != nil {
		t.Fatal(err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows, err := f.GetRows("Learner Progress")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows (header + 2 data), got %d", len(rows))
	}
	if rows[0][0] != "Learner" || rows[0][2] != "Completion" {
		t.Errorf("Unexpected header row %v", rows[0])
	}
	if rows[2][0] != "bob" || rows[2][2] != "40" {
		t.Errorf("Unexpected data row %v", rows[2])
	}
}

func TestWriteFileRejectsRaggedRows(t *testing.T) {
	rep := &Report{
		Columns: []string{"a", "b"},
		Rows:    [][]interface{}{{"only one cell"}},
	}
	if err := WriteFile(rep, filepath.Join(t.TempDir(), "out.xlsx")); err == nil {
		t.Error("Expected an error for a row narrower than the header")
	}
}

func TestWriteFileRejectsEmptyColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	if err := WriteFile(&Report{}, path); err == nil {
		t.Error("Expected an error for a report without columns")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("No artifact should be written for an invalid report")
	}
}
