package engine

import "io"

// Encoder streams Records into w in a specific file format. Implementations
// are stateful: WriteHeader (if applicable) happens on the first call to
// Write, driven by the shape of the first record.
type Encoder interface {
	// Write encodes a single record, writing a header first if this is the
	// first call.
	Write(w io.Writer, rec Record) error
	// Close finalizes the format (closing array brackets, flushing the
	// worksheet, etc). Must be called exactly once after the last Write.
	Close(w io.Writer) error
	// ContentType is the MIME type set on the uploaded result object.
	ContentType() string
}

// NewEncoder returns the Encoder for format ("csv", "json", "xlsx").
func NewEncoder(format string) (Encoder, error) {
	switch format {
	case "csv":
		return newCSVEncoder(), nil
	case "json":
		return newJSONEncoder(), nil
	case "xlsx":
		return newXLSXEncoder(), nil
	default:
		return nil, ErrUnsupportedFormat
	}
}
