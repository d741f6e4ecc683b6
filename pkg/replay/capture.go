package replay

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// captureRecord is the on-disk shape of one CommandRecord in a reference
// capture file. It exists separately from CommandRecord so the wire format
// can express ReplayOffset as a human-readable duration string ("250ms",
// "none") without adding serialization tags to the engine's core type.
type captureRecord struct {
	SessionID         string    `json:"session_id" yaml:"session_id"`
	AppName           string    `json:"app_name,omitempty" yaml:"app_name,omitempty"`
	Database          string    `json:"database,omitempty" yaml:"database,omitempty"`
	Text              string    `json:"text" yaml:"text"`
	EventSequence     int64     `json:"event_sequence" yaml:"event_sequence"`
	ReplayOffset      string    `json:"replay_offset,omitempty" yaml:"replay_offset,omitempty"`
	OriginalStartTime time.Time `json:"original_start_time,omitempty" yaml:"original_start_time,omitempty"`
}

func (r captureRecord) toCommandRecord() (CommandRecord, error) {
	offset := NoOffset
	if r.ReplayOffset != "" && !strings.EqualFold(r.ReplayOffset, "none") {
		d, err := time.ParseDuration(r.ReplayOffset)
		if err != nil {
			return CommandRecord{}, fmt.Errorf("replay_offset %q: %w", r.ReplayOffset, err)
		}
		offset = d
	}
	return CommandRecord{
		SessionID:         r.SessionID,
		AppName:           r.AppName,
		Database:          r.Database,
		Text:              r.Text,
		EventSequence:     r.EventSequence,
		ReplayOffset:      offset,
		OriginalStartTime: r.OriginalStartTime,
	}, nil
}

// ReadCaptureFile reads a reference capture fixture from path and returns
// its commands in file order. This is a stand-in for the out-of-scope
// capture/listener/dispatcher layer, sufficient to drive the engine
// end-to-end from a flat file.
//
// Two formats are recognized by extension:
//   - ".jsonl"/".ndjson": one JSON object per line
//   - ".yaml"/".yml": a single YAML sequence of records
func ReadCaptureFile(path string) ([]CommandRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read capture file: %w", err)
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return readYAMLCapture(f)
	default:
		return readJSONLCapture(f)
	}
}

func readJSONLCapture(r io.Reader) ([]CommandRecord, error) {
	var out []CommandRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		var rec captureRecord
		if err := yaml.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("capture line %d: %w", lineNo, err)
		}
		cmd, err := rec.toCommandRecord()
		if err != nil {
			return nil, fmt.Errorf("capture line %d: %w", lineNo, err)
		}
		out = append(out, cmd)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read capture file: %w", err)
	}
	return out, nil
}

func readYAMLCapture(r io.Reader) ([]CommandRecord, error) {
	var recs []captureRecord
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&recs); err != nil {
		return nil, fmt.Errorf("decode yaml capture: %w", err)
	}
	out := make([]CommandRecord, 0, len(recs))
	for i, rec := range recs {
		cmd, err := rec.toCommandRecord()
		if err != nil {
			return nil, fmt.Errorf("capture record %d: %w", i, err)
		}
		out = append(out, cmd)
	}
	return out, nil
}
