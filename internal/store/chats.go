package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChatMetadata mirrors a row of the chats table.
type ChatMetadata struct {
	JID             string
	LastMessageTime time.Time
	Name            string
	ChannelTag      string
	IsGroup         bool
}

// StoreChatMetadata upserts chat metadata. last_message_time advances to the
// max of the existing and incoming value; name replaces the existing value
// only when non-empty; other fields are always overwritten.
func (s *Store) StoreChatMetadata(ctx context.Context, jid string, ts time.Time, name, channelTag string, isGroup bool) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existingTS string
		var existingName string
		err = tx.QueryRowContext(ctx, `SELECT last_message_time, name FROM chats WHERE jid = ?;`, jid).Scan(&existingTS, &existingName)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chats (jid, last_message_time, name, channel_tag, is_group)
				VALUES (?, ?, ?, ?, ?);
			`, jid, formatTS(ts), name, channelTag, boolToInt(isGroup)); err != nil {
				return fmt.Errorf("store: insert chat: %w", err)
			}
		case err != nil:
			return fmt.Errorf("store: query chat: %w", err)
		default:
			newTS := ts
			if existing, perr := parseTS(existingTS); perr == nil && existing.After(ts) {
				newTS = existing
			}
			newName := existingName
			if name != "" {
				newName = name
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE chats SET last_message_time = ?, name = ?, channel_tag = ?, is_group = ?
				WHERE jid = ?;
			`, formatTS(newTS), newName, channelTag, boolToInt(isGroup), jid); err != nil {
				return fmt.Errorf("store: update chat: %w", err)
			}
		}
		return tx.Commit()
	})
}

// UpdateChatName sets the display name for a chat, creating no row if one
// does not already exist.
func (s *Store) UpdateChatName(ctx context.Context, jid, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE chats SET name = ? WHERE jid = ?;`, name, jid)
		if err != nil {
			return fmt.Errorf("store: update chat name: %w", err)
		}
		return nil
	})
}

// GetAllChats returns every known chat, most recently active first.
func (s *Store) GetAllChats(ctx context.Context) ([]ChatMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, last_message_time, name, channel_tag, is_group
		FROM chats ORDER BY last_message_time DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("store: query chats: %w", err)
	}
	defer rows.Close()

	var out []ChatMetadata
	for rows.Next() {
		var c ChatMetadata
		var tsStr string
		var isGroup int
		if err := rows.Scan(&c.JID, &tsStr, &c.Name, &c.ChannelTag, &isGroup); err != nil {
			return nil, fmt.Errorf("store: scan chat: %w", err)
		}
		ts, err := parseTS(tsStr)
		if err != nil {
			return nil, fmt.Errorf("store: parse chat timestamp: %w", err)
		}
		c.LastMessageTime = ts
		c.IsGroup = isGroup != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// RegisteredGroup mirrors a row of the registered_groups table.
type RegisteredGroup struct {
	JID             string
	Name            string
	Folder          string
	Trigger         string
	RequiresTrigger bool
	AddedAt         time.Time
}

// RegisterGroup creates or replaces a registered group entry. The cursor is
// left untouched for an existing row; a newly registered group starts with
// an empty cursor (processes every message going forward).
func (s *Store) RegisterGroup(ctx context.Context, g RegisteredGroup) error {
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO registered_groups (jid, name, folder, trigger_pattern, requires_trigger, added_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(jid) DO UPDATE SET
				name = excluded.name,
				folder = excluded.folder,
				trigger_pattern = excluded.trigger_pattern,
				requires_trigger = excluded.requires_trigger;
		`, g.JID, g.Name, g.Folder, g.Trigger, boolToInt(g.RequiresTrigger), formatTS(g.AddedAt))
		if err != nil {
			return fmt.Errorf("store: register group: %w", err)
		}
		return nil
	})
}

// GetCursor returns the persisted last-processed-timestamp watermark for
// jid, or the zero time if the group is unknown or has never advanced.
func (s *Store) GetCursor(ctx context.Context, jid string) (time.Time, error) {
	var cursorTS string
	err := s.db.QueryRowContext(ctx, `SELECT cursor_ts FROM registered_groups WHERE jid = ?;`, jid).Scan(&cursorTS)
	if err == sql.ErrNoRows || cursorTS == "" {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: query cursor: %w", err)
	}
	ts, err := parseTS(cursorTS)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse cursor: %w", err)
	}
	return ts, nil
}

// SetCursor persists the last-processed-timestamp watermark for jid. It is
// a no-op if jid is not a registered group (the cursor only matters for
// registered groups' MessageProcessor runs).
func (s *Store) SetCursor(ctx context.Context, jid string, ts time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE registered_groups SET cursor_ts = ? WHERE jid = ?;`, formatTS(ts), jid)
		if err != nil {
			return fmt.Errorf("store: set cursor: %w", err)
		}
		return nil
	})
}

// UnregisterGroup removes a registered group by JID.
func (s *Store) UnregisterGroup(ctx context.Context, jid string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM registered_groups WHERE jid = ?;`, jid)
		if err != nil {
			return fmt.Errorf("store: unregister group: %w", err)
		}
		return nil
	})
}

// GetRegisteredGroups returns every registered group keyed by JID.
func (s *Store) GetRegisteredGroups(ctx context.Context) (map[string]RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at FROM registered_groups;
	`)
	if err != nil {
		return nil, fmt.Errorf("store: query registered_groups: %w", err)
	}
	defer rows.Close()

	out := make(map[string]RegisteredGroup)
	for rows.Next() {
		var g RegisteredGroup
		var requiresTrigger int
		var addedAt string
		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &requiresTrigger, &addedAt); err != nil {
			return nil, fmt.Errorf("store: scan registered_group: %w", err)
		}
		g.RequiresTrigger = requiresTrigger != 0
		if ts, err := parseTS(addedAt); err == nil {
			g.AddedAt = ts
		}
		out[g.JID] = g
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
