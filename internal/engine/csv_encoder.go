package engine

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// csvUTF8BOM is written once at the start of the file so Excel on Windows
// detects UTF-8 instead of guessing a legacy codepage.
var csvUTF8BOM = []byte{0xEF, 0xBB, 0xBF}

// csvInjectionPrefixes are the leading characters spreadsheet applications
// interpret as the start of a formula. A cell value starting with one of
// these is prefixed with a single quote, the standard mitigation for CSV
// injection when the file is later opened in Excel/Sheets.
var csvInjectionPrefixes = []byte{'=', '+', '-', '@', '\t', '\r'}

type csvEncoder struct {
	w       *csv.Writer
	header  []string
	started bool
}

func newCSVEncoder() *csvEncoder {
	return &csvEncoder{}
}

func (e *csvEncoder) ContentType() string { return "text/csv; charset=utf-8" }

func (e *csvEncoder) Write(w io.Writer, rec Record) error {
	flat := flatten("", rec)

	if !e.started {
		if _, err := w.Write(csvUTF8BOM); err != nil {
			return fmt.Errorf("engine: csv write bom: %w", err)
		}
		e.header = sortedKeys(flat)
		e.w = csv.NewWriter(w)
		if err := e.w.Write(e.header); err != nil {
			return fmt.Errorf("engine: csv write header: %w", err)
		}
		e.started = true
	}

	row := make([]string, len(e.header))
	for i, key := range e.header {
		row[i] = sanitizeCSVCell(stringify(flat[key]))
	}
	if err := e.w.Write(row); err != nil {
		return fmt.Errorf("engine: csv write row: %w", err)
	}
	return nil
}

func (e *csvEncoder) Close(w io.Writer) error {
	if e.w == nil {
		// No rows were ever written; still emit the BOM so the file is valid.
		_, err := w.Write(csvUTF8BOM)
		return err
	}
	e.w.Flush()
	return e.w.Error()
}

// sanitizeCSVCell guards against CSV/formula injection in cells opened by
// spreadsheet software, without altering the value for any other consumer.
func sanitizeCSVCell(s string) string {
	if s == "" {
		return s
	}
	for _, p := range csvInjectionPrefixes {
		if s[0] == p {
			return "'" + s
		}
	}
	return s
}

// flatten recursively expands nested maps into dotted keys (e.g.
// "address.city") so CSV, which has no concept of nesting, still exports
// every field of a JSON-shaped record.
func flatten(prefix string, rec Record) map[string]any {
	out := make(map[string]any)
	for k, v := range rec {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch nested := v.(type) {
		case map[string]any:
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
		default:
			out[key] = v
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
