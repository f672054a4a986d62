package audit

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Export writes the matching events as gzip-compressed newline-delimited
// JSON, oldest first.
func (l *Log) Export(w io.Writer, filter Filter) (int, error) {
	events := l.Events(filter)

	zw := gzip.NewWriter(w)
	enc := json.NewEncoder(zw)
	for i := len(events) - 1; i >= 0; i-- {
		if err := enc.Encode(events[i]); err != nil {
			zw.Close()
			return 0, fmt.Errorf("failed to encode event %s: %w", events[i].ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to flush export: %w", err)
	}
	return len(events), nil
}

// ReadExport decodes an export produced by Export.
func ReadExport(r io.Reader) ([]Event, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	defer zr.Close()

	var events []Event
	dec := json.NewDecoder(zr)
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return events, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
