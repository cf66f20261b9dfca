package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message mirrors a row of the messages table.
type Message struct {
	ID           string
	ChatJID      string
	Sender       string
	SenderName   string
	Content      string
	Timestamp    time.Time
	IsFromMe     bool
	IsBotMessage bool
}

// StoreMessage upserts a message keyed by (chat_jid, id). A re-delivery of
// the same key overwrites content and every other field — last writer wins,
// deliberately, to support in-place edits that arrive under the same id.
func (s *Store) StoreMessage(ctx context.Context, m Message) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (chat_jid, id, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_jid, id) DO UPDATE SET
				sender = excluded.sender,
				sender_name = excluded.sender_name,
				content = excluded.content,
				timestamp = excluded.timestamp,
				is_from_me = excluded.is_from_me,
				is_bot_message = excluded.is_bot_message;
		`, m.ChatJID, m.ID, m.Sender, m.SenderName, m.Content, formatTS(m.Timestamp), boolToInt(m.IsFromMe), boolToInt(m.IsBotMessage))
		if err != nil {
			return fmt.Errorf("store: store message: %w", err)
		}
		return nil
	})
}

// GetMessagesSince returns messages for jid strictly newer than sinceTS,
// excluding bot-authored rows and rows whose content begins with the
// "<assistantName>: " backstop prefix — migration scaffolding kept for rows
// written before the is_bot_message flag existed. Ordered ascending by
// timestamp; empty content is excluded.
func (s *Store) GetMessagesSince(ctx context.Context, jid string, sinceTS time.Time, assistantName string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_jid, id, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND content != '' AND is_bot_message = 0
		ORDER BY timestamp ASC;
	`, jid, formatTS(sinceTS))
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	prefix := assistantName + ":"
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(m.Content, prefix) {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(rows rowScanner) (Message, error) {
	var m Message
	var tsStr string
	var isFromMe, isBot int
	if err := rows.Scan(&m.ChatJID, &m.ID, &m.Sender, &m.SenderName, &m.Content, &tsStr, &isFromMe, &isBot); err != nil {
		return Message{}, fmt.Errorf("store: scan message: %w", err)
	}
	ts, err := parseTS(tsStr)
	if err != nil {
		return Message{}, fmt.Errorf("store: parse message timestamp: %w", err)
	}
	m.Timestamp = ts
	m.IsFromMe = isFromMe != 0
	m.IsBotMessage = isBot != 0
	return m, nil
}

// NewMessagesResult is the return value of GetNewMessages.
type NewMessagesResult struct {
	Messages     []Message
	NewTimestamp time.Time
}

// GetNewMessages unions GetMessagesSince across a set of JIDs and reports
// the maximum timestamp observed (zero if no message was found).
func (s *Store) GetNewMessages(ctx context.Context, jids []string, sinceTS time.Time, assistantName string) (NewMessagesResult, error) {
	var result NewMessagesResult
	for _, jid := range jids {
		msgs, err := s.GetMessagesSince(ctx, jid, sinceTS, assistantName)
		if err != nil {
			return NewMessagesResult{}, err
		}
		result.Messages = append(result.Messages, msgs...)
		for _, m := range msgs {
			if m.Timestamp.After(result.NewTimestamp) {
				result.NewTimestamp = m.Timestamp
			}
		}
	}
	return result, nil
}
