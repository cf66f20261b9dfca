package container

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
)

// RecordType identifies one line of the agent wire protocol.
type RecordType string

const (
	RecordResult  RecordType = "result"
	RecordStatus  RecordType = "status"
	RecordTyping  RecordType = "typing"
	RecordSession RecordType = "session"
)

// Record is one newline-delimited JSON line from an agent container's
// standard output. Unknown types are ignored by the caller.
type Record struct {
	Type      RecordType `json:"type"`
	Text      string     `json:"text,omitempty"`
	Status    string     `json:"status,omitempty"`
	Error     string     `json:"error,omitempty"`
	On        *bool      `json:"on,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
}

// streamRecords reads newline-delimited JSON records from r until EOF or a
// read error, calling handle for each record that parses. A line that
// fails to parse is a ProtocolError: logged and skipped, never fatal to
// the stream.
func streamRecords(r io.Reader, logger *slog.Logger, handle func(Record)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn("container: malformed agent record", "error", err, "line", string(line))
			continue
		}
		handle(rec)
	}
}
