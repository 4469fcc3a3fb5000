// Package sink holds the pipeline's terminal stages: the radar CSV writer
// and the fusion JSON response serializer.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// CSVWriter writes one row per frame with a header that is the union of
// all keys observed so far. When a frame introduces a new key the whole
// file is rewritten with the widened header; rows written before the key
// appeared carry an empty cell. Array-valued fields render space-separated
// within their cell.
type CSVWriter struct {
	mu     sync.Mutex
	path   string
	keys   []string
	keySet map[string]bool
	rows   []map[string]string
}

// NewCSVWriter creates (or truncates) the output file.
func NewCSVWriter(path string) (*CSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create csv output: %w", err)
	}
	f.Close()
	return &CSVWriter{path: path, keySet: make(map[string]bool)}, nil
}

// formatCell renders a value. Slices become space-separated scalars.
func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case []float64:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = strconv.FormatFloat(e, 'g', -1, 64)
		}
		return strings.Join(parts, " ")
	case []int:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = strconv.Itoa(e)
		}
		return strings.Join(parts, " ")
	case []string:
		return strings.Join(x, " ")
	default:
		return fmt.Sprint(x)
	}
}

// WriteRow appends one frame's fields. Keys keep first-seen order in the
// header.
func (w *CSVWriter) WriteRow(row map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rendered := make(map[string]string, len(row))
	newKey := false
	for k, v := range row {
		if !w.keySet[k] {
			newKey = true
		}
		rendered[k] = formatCell(v)
	}
	// Register unseen keys in a stable order.
	if newKey {
		var added []string
		for k := range row {
			if !w.keySet[k] {
				added = append(added, k)
			}
		}
		sort.Strings(added)
		for _, k := range added {
			w.keySet[k] = true
			w.keys = append(w.keys, k)
		}
	}
	w.rows = append(w.rows, rendered)

	if newKey {
		return w.rewrite()
	}
	return w.appendRow(rendered)
}

func (w *CSVWriter) record(row map[string]string) []string {
	out := make([]string, len(w.keys))
	for i, k := range w.keys {
		out[i] = row[k]
	}
	return out
}

func (w *CSVWriter) appendRow(row map[string]string) error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append csv row: %w", err)
	}
	defer f.Close()
	cw := csv.NewWriter(f)
	if err := cw.Write(w.record(row)); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// rewrite regenerates the whole file under the current header.
func (w *CSVWriter) rewrite() error {
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("rewrite csv output: %w", err)
	}
	defer f.Close()
	cw := csv.NewWriter(f)
	if err := cw.Write(w.keys); err != nil {
		return err
	}
	for _, row := range w.rows {
		if err := cw.Write(w.record(row)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Header returns a copy of the current header.
func (w *CSVWriter) Header() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.keys...)
}
