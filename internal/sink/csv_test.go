package sink

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestCSVWriterBasicRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radar.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.WriteRow(map[string]any{"frame_id": 0, "num_clusters": 2}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRow(map[string]any{"frame_id": 1, "num_clusters": 3}); err != nil {
		t.Fatal(err)
	}

	rows := readAll(t, path)
	want := [][]string{
		{"frame_id", "num_clusters"},
		{"0", "2"},
		{"1", "3"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("csv mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVWriterHeaderWidensOnNewKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radar.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.WriteRow(map[string]any{"frame_id": 0}); err != nil {
		t.Fatal(err)
	}
	// A later frame introduces a key; the header must be rewritten and the
	// earlier row padded.
	if err := w.WriteRow(map[string]any{"frame_id": 1, "track_ids": []int{3, 7}}); err != nil {
		t.Fatal(err)
	}

	rows := readAll(t, path)
	want := [][]string{
		{"frame_id", "track_ids"},
		{"0", ""},
		{"1", "3 7"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("csv mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVWriterArrayCells(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radar.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRow(map[string]any{
		"state":  []float64{1.5, 2, -0.25},
		"labels": []string{"car", "truck"},
	}); err != nil {
		t.Fatal(err)
	}
	rows := readAll(t, path)
	if len(rows) != 2 {
		t.Fatalf("want header+1 row, got %d", len(rows))
	}
	header := w.Header()
	byKey := map[string]string{}
	for i, k := range header {
		byKey[k] = rows[1][i]
	}
	if byKey["state"] != "1.5 2 -0.25" {
		t.Errorf("state cell = %q", byKey["state"])
	}
	if byKey["labels"] != "car truck" {
		t.Errorf("labels cell = %q", byKey["labels"])
	}
}
