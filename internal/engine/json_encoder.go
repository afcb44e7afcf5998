package engine

import (
	"encoding/json"
	"fmt"
	"io"
)

// jsonEncoder streams records as a single top-level JSON array without
// buffering the whole result in memory: it hand-writes the brackets and
// comma separators around each json.Marshal'd record.
type jsonEncoder struct {
	started bool
}

func newJSONEncoder() *jsonEncoder {
	return &jsonEncoder{}
}

func (e *jsonEncoder) ContentType() string { return "application/json" }

func (e *jsonEncoder) Write(w io.Writer, rec Record) error {
	if !e.started {
		if _, err := io.WriteString(w, "[\n"); err != nil {
			return fmt.Errorf("engine: json write open bracket: %w", err)
		}
		e.started = true
	} else {
		if _, err := io.WriteString(w, ",\n"); err != nil {
			return fmt.Errorf("engine: json write separator: %w", err)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("engine: json marshal record: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("engine: json write record: %w", err)
	}
	return nil
}

func (e *jsonEncoder) Close(w io.Writer) error {
	if !e.started {
		_, err := io.WriteString(w, "[]")
		return err
	}
	_, err := io.WriteString(w, "\n]")
	return err
}
