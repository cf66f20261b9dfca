package container

import (
	"log/slog"
	"strings"
	"testing"
)

func TestStreamRecordsDispatchesKnownTypes(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"result","text":"Done."}`,
		`{"type":"typing","on":true}`,
		`{"type":"session","sessionId":"s-1"}`,
		`{"type":"status","status":"success"}`,
		`not json at all`,
		`{"type":"bogus"}`,
	}, "\n") + "\n"

	var got []Record
	logger := slog.New(slog.NewTextHandler(nopWriter{}, nil))
	streamRecords(strings.NewReader(input), logger, func(r Record) {
		got = append(got, r)
	})

	if len(got) != 5 {
		t.Fatalf("expected 5 parsed records (malformed line skipped), got %d", len(got))
	}
	if got[0].Type != RecordResult || got[0].Text != "Done." {
		t.Errorf("unexpected first record: %+v", got[0])
	}
	if got[1].Type != RecordTyping || got[1].On == nil || !*got[1].On {
		t.Errorf("unexpected typing record: %+v", got[1])
	}
	if got[2].Type != RecordSession || got[2].SessionID != "s-1" {
		t.Errorf("unexpected session record: %+v", got[2])
	}
	if got[3].Type != RecordStatus || got[3].Status != "success" {
		t.Errorf("unexpected status record: %+v", got[3])
	}
	if got[4].Type != "bogus" {
		t.Errorf("expected unknown type to still parse as a record, got %+v", got[4])
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
