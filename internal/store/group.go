package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// groupColumns pulls the stored row plus the derived last-event summary,
// start/end time, and unread count in one query. The last event is the
// newest by end time with descending id as tie-break, drafts included so a
// saved draft surfaces as the conversation preview.
const groupColumns = `
	g.id, g.local_uid, g.remote_uids, g.type, g.chat_name, g.last_modified,
	COALESCE(le.id, -1), COALESCE(le.free_text, ''), COALESCE(le.type, 0),
	COALESCE(le.status, 0), COALESCE(le.is_draft, 0),
	COALESCE(le.vcard_filename, ''), COALESCE(le.vcard_label, ''),
	COALESCE(le.local_uid, ''),
	COALESCE((SELECT MIN(start_time) FROM events WHERE group_id = g.id), 0),
	COALESCE((SELECT MAX(end_time) FROM events WHERE group_id = g.id), 0),
	(SELECT COUNT(*) FROM events WHERE group_id = g.id AND is_read = 0 AND is_draft = 0 AND direction = 1),
	(SELECT COUNT(*) FROM events WHERE group_id = g.id AND is_draft = 0)`

const groupJoin = `
	FROM groups g
	LEFT JOIN events le ON le.id = (
		SELECT id FROM events WHERE group_id = g.id
		ORDER BY end_time DESC, id DESC LIMIT 1)`

// AddGroup persists g and assigns its id, unless pre-reserved.
func (db *DB) AddGroup(tx *Tx, g *Group) error {
	if len(g.RemoteUIDs) == 0 {
		return fmt.Errorf("%w: group has no remote uids", ErrPrecondition)
	}
	g.LastModified = time.Now().Unix()
	remotes, err := json.Marshal(g.RemoteUIDs)
	if err != nil {
		return fmt.Errorf("encode remote uids: %w", err)
	}

	var res sql.Result
	if g.ID > 0 {
		res, err = db.exec(tx.Tx, `
			INSERT INTO groups (id, local_uid, remote_uids, type, chat_name, last_modified)
			VALUES (?, ?, ?, ?, ?, ?)`,
			g.ID, g.LocalUID, string(remotes), g.Type, g.ChatName, g.LastModified)
	} else {
		res, err = db.exec(tx.Tx, `
			INSERT INTO groups (local_uid, remote_uids, type, chat_name, last_modified)
			VALUES (?, ?, ?, ?, ?)`,
			g.LocalUID, string(remotes), g.Type, g.ChatName, g.LastModified)
	}
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	if g.ID <= 0 {
		if g.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("group id: %w", err)
		}
	}
	g.LastEventID = -1
	return nil
}

// ModifyGroup rewrites only the columns named by fields.
func (db *DB) ModifyGroup(tx *Tx, g *Group, fields GroupField) error {
	if g.ID <= 0 {
		return fmt.Errorf("%w: modify of unsaved group", ErrPrecondition)
	}
	g.LastModified = time.Now().Unix()

	var sets []string
	var args []any
	if fields.Has(GroupFieldLocalUID) {
		sets = append(sets, "local_uid = ?")
		args = append(args, g.LocalUID)
	}
	if fields.Has(GroupFieldRemoteUIDs) {
		remotes, err := json.Marshal(g.RemoteUIDs)
		if err != nil {
			return fmt.Errorf("encode remote uids: %w", err)
		}
		sets = append(sets, "remote_uids = ?")
		args = append(args, string(remotes))
	}
	if fields.Has(GroupFieldType) {
		sets = append(sets, "type = ?")
		args = append(args, g.Type)
	}
	if fields.Has(GroupFieldChatName) {
		sets = append(sets, "chat_name = ?")
		args = append(args, g.ChatName)
	}
	sets = append(sets, "last_modified = ?")
	args = append(args, g.LastModified, g.ID)

	q := "UPDATE groups SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := db.exec(tx.Tx, q, args...); err != nil {
		return fmt.Errorf("modify group %d: %w", g.ID, err)
	}
	return nil
}

// DeleteGroup removes a group and, through the FK cascade, its events.
// Message parts of cascaded events are dropped first.
func (db *DB) DeleteGroup(tx *Tx, id int64) error {
	return db.DeleteGroups(tx, []int64{id})
}

// DeleteGroups removes several groups in one pass.
func (db *DB) DeleteGroups(tx *Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		if id <= 0 {
			return fmt.Errorf("%w: invalid group id %d", ErrPrecondition, id)
		}
		args[i] = id
	}
	if _, err := db.exec(tx.Tx, `DELETE FROM message_parts WHERE event_id IN (SELECT id FROM events WHERE group_id IN (`+placeholders+`))`, args...); err != nil {
		return fmt.Errorf("delete parts of groups: %w", err)
	}
	if _, err := db.exec(tx.Tx, `DELETE FROM groups WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete groups: %w", err)
	}
	return nil
}

// GetGroup loads one group with its derived summary.
func (db *DB) GetGroup(id int64) (*Group, error) {
	row := db.QueryRow(`SELECT `+groupColumns+groupJoin+` WHERE g.id = ?`, id)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetGroups returns groups matching the filter, most recently active first.
func (db *DB) GetGroups(f GroupFilter) ([]Group, error) {
	q := `SELECT ` + groupColumns + groupJoin
	var where []string
	var args []any
	if f.LocalUID != "" {
		where = append(where, "g.local_uid = ?")
		args = append(args, f.LocalUID)
	}
	if f.RemoteUID != "" {
		// Match against the JSON-encoded remote uid list.
		where = append(where, "g.remote_uids LIKE ?")
		args = append(args, `%"`+f.RemoteUID+`"%`)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += ` ORDER BY COALESCE(le.end_time, g.last_modified) DESC, g.id DESC`
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func scanGroup(r rowScanner) (*Group, error) {
	var g Group
	var remotes string
	err := r.Scan(&g.ID, &g.LocalUID, &remotes, &g.Type, &g.ChatName, &g.LastModified,
		&g.LastEventID, &g.LastEventText, &g.LastEventType,
		&g.LastEventStatus, &g.LastEventIsDraft,
		&g.LastVCardFileName, &g.LastVCardLabel,
		&g.Subscriber,
		&g.StartTime, &g.EndTime, &g.UnreadCount, &g.TotalEvents)
	if err != nil {
		return nil, err
	}
	if remotes != "" {
		if err := json.Unmarshal([]byte(remotes), &g.RemoteUIDs); err != nil {
			return nil, fmt.Errorf("decode remote uids of group %d: %w", g.ID, err)
		}
	}
	return &g, nil
}
