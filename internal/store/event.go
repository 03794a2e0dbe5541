package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrPrecondition is returned when a write is rejected before touching the
// database (missing required field, invalid id, malformed filter).
var ErrPrecondition = errors.New("precondition violation")

const eventColumns = `id, type, start_time, end_time, direction, is_draft, is_read,
	is_missed_call, is_emergency_call, is_video_call, is_action, status,
	incoming_status, bytes_received, local_uid, remote_uid, subject, free_text,
	group_id, message_token, last_modified, vcard_filename, vcard_label,
	report_delivery, report_read, report_read_requested, read_status,
	validity_period, content_location, mms_id, headers,
	has_extra_properties, has_message_parts`

func (db *DB) validateEvent(e *Event) error {
	if e.Type == EventUnknown {
		return fmt.Errorf("%w: event type not set", ErrPrecondition)
	}
	if e.Direction == DirectionUnknown {
		return fmt.Errorf("%w: event direction not set", ErrPrecondition)
	}
	if e.EndTime < e.StartTime {
		return fmt.Errorf("%w: end time before start time", ErrPrecondition)
	}
	if e.GroupID <= 0 && e.Type != EventCall {
		return fmt.Errorf("%w: group id required for non-call events", ErrPrecondition)
	}
	return nil
}

// AddEvent persists e and assigns its id, unless the caller pre-reserved one
// (e.ID > 0, see ReserveEventIDs). Properties and parts are written under a
// savepoint so a failing attachment aborts the whole event without killing
// the surrounding transaction.
func (db *DB) AddEvent(tx *Tx, e *Event) error {
	if err := db.validateEvent(e); err != nil {
		return err
	}
	e.LastModified = time.Now().Unix()

	sp, err := tx.Savepoint()
	if err != nil {
		return err
	}

	headers, err := encodeHeaders(e.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	var groupID sql.NullInt64
	if e.GroupID > 0 {
		groupID = sql.NullInt64{Int64: e.GroupID, Valid: true}
	}

	var res sql.Result
	if e.ID > 0 {
		res, err = db.exec(tx.Tx, `
			INSERT INTO events (id, type, start_time, end_time, direction, is_draft, is_read,
				is_missed_call, is_emergency_call, is_video_call, is_action, status,
				incoming_status, bytes_received, local_uid, remote_uid, subject, free_text,
				group_id, message_token, last_modified, vcard_filename, vcard_label,
				report_delivery, report_read, report_read_requested, read_status,
				validity_period, content_location, mms_id, headers)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Type, e.StartTime, e.EndTime, e.Direction, e.IsDraft, e.IsRead,
			e.IsMissedCall, e.IsEmergencyCall, e.IsVideoCall, e.IsAction, e.Status,
			e.IncomingStatus, e.BytesReceived, e.LocalUID, e.RemoteUID, e.Subject, e.FreeText,
			groupID, e.MessageToken, e.LastModified, e.VCardFileName, e.VCardLabel,
			e.ReportDelivery, e.ReportRead, e.ReportReadReq, e.ReadStatus,
			e.ValidityPeriod, e.ContentLocation, e.MmsID, headers)
	} else {
		res, err = db.exec(tx.Tx, `
			INSERT INTO events (type, start_time, end_time, direction, is_draft, is_read,
				is_missed_call, is_emergency_call, is_video_call, is_action, status,
				incoming_status, bytes_received, local_uid, remote_uid, subject, free_text,
				group_id, message_token, last_modified, vcard_filename, vcard_label,
				report_delivery, report_read, report_read_requested, read_status,
				validity_period, content_location, mms_id, headers)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Type, e.StartTime, e.EndTime, e.Direction, e.IsDraft, e.IsRead,
			e.IsMissedCall, e.IsEmergencyCall, e.IsVideoCall, e.IsAction, e.Status,
			e.IncomingStatus, e.BytesReceived, e.LocalUID, e.RemoteUID, e.Subject, e.FreeText,
			groupID, e.MessageToken, e.LastModified, e.VCardFileName, e.VCardLabel,
			e.ReportDelivery, e.ReportRead, e.ReportReadReq, e.ReadStatus,
			e.ValidityPeriod, e.ContentLocation, e.MmsID, headers)
	}
	if err != nil {
		_ = tx.RollbackTo(sp)
		return fmt.Errorf("insert event: %w", err)
	}
	if e.ID <= 0 {
		id, err := res.LastInsertId()
		if err != nil {
			_ = tx.RollbackTo(sp)
			return fmt.Errorf("event id: %w", err)
		}
		e.ID = id
	}

	if len(e.ExtraProperties) > 0 {
		if err := db.replaceProperties(tx, e.ID, e.ExtraProperties); err != nil {
			_ = tx.RollbackTo(sp)
			return err
		}
		e.HasExtraProperties = true
	}
	if len(e.MessageParts) > 0 {
		if err := db.replaceParts(tx, e.ID, e.MessageParts); err != nil {
			_ = tx.RollbackTo(sp)
			return err
		}
		e.HasMessageParts = true
	}

	return tx.Release(sp)
}

// ModifyEvent rewrites only the columns named by fields. Extra-property
// writes replace the whole property set rather than diffing it.
func (db *DB) ModifyEvent(tx *Tx, e *Event, fields EventField) error {
	if e.ID <= 0 {
		return fmt.Errorf("%w: modify of unsaved event", ErrPrecondition)
	}
	e.LastModified = time.Now().Unix()

	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if fields.Has(FieldType) {
		add("type", e.Type)
	}
	if fields.Has(FieldStartTime) {
		add("start_time", e.StartTime)
	}
	if fields.Has(FieldEndTime) {
		add("end_time", e.EndTime)
	}
	if fields.Has(FieldDirection) {
		add("direction", e.Direction)
	}
	if fields.Has(FieldIsDraft) {
		add("is_draft", e.IsDraft)
	}
	if fields.Has(FieldIsRead) {
		add("is_read", e.IsRead)
	}
	if fields.Has(FieldIsMissedCall) {
		add("is_missed_call", e.IsMissedCall)
	}
	if fields.Has(FieldIsEmergencyCall) {
		add("is_emergency_call", e.IsEmergencyCall)
	}
	if fields.Has(FieldIsVideoCall) {
		add("is_video_call", e.IsVideoCall)
	}
	if fields.Has(FieldIsAction) {
		add("is_action", e.IsAction)
	}
	if fields.Has(FieldStatus) {
		add("status", e.Status)
	}
	if fields.Has(FieldIncomingStatus) {
		add("incoming_status", e.IncomingStatus)
	}
	if fields.Has(FieldBytesReceived) {
		add("bytes_received", e.BytesReceived)
	}
	if fields.Has(FieldSubject) {
		add("subject", e.Subject)
	}
	if fields.Has(FieldFreeText) {
		add("free_text", e.FreeText)
	}
	if fields.Has(FieldGroupID) {
		if e.GroupID > 0 {
			add("group_id", e.GroupID)
		} else {
			add("group_id", nil)
		}
	}
	if fields.Has(FieldMessageToken) {
		add("message_token", e.MessageToken)
	}
	if fields.Has(FieldVCard) {
		add("vcard_filename", e.VCardFileName)
		add("vcard_label", e.VCardLabel)
	}
	if fields.Has(FieldReportDelivery) {
		add("report_delivery", e.ReportDelivery)
	}
	if fields.Has(FieldReportRead) {
		add("report_read", e.ReportRead)
		add("report_read_requested", e.ReportReadReq)
	}
	if fields.Has(FieldReadStatus) {
		add("read_status", e.ReadStatus)
	}
	if fields.Has(FieldValidityPeriod) {
		add("validity_period", e.ValidityPeriod)
	}
	if fields.Has(FieldContentLocation) {
		add("content_location", e.ContentLocation)
	}
	if fields.Has(FieldMmsID) {
		add("mms_id", e.MmsID)
	}
	if fields.Has(FieldHeaders) {
		headers, err := encodeHeaders(e.Headers)
		if err != nil {
			return fmt.Errorf("encode headers: %w", err)
		}
		add("headers", headers)
	}
	add("last_modified", e.LastModified)

	q := "UPDATE events SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, e.ID)
	if _, err := db.exec(tx.Tx, q, args...); err != nil {
		return fmt.Errorf("modify event %d: %w", e.ID, err)
	}

	if fields.Has(FieldExtraProperties) {
		if err := db.replaceProperties(tx, e.ID, e.ExtraProperties); err != nil {
			return err
		}
	}
	if fields.Has(FieldMessageParts) {
		if err := db.replaceParts(tx, e.ID, e.MessageParts); err != nil {
			return err
		}
	}
	return nil
}

// DeleteEvent removes an event with its properties and parts. Reaping a
// group emptied by this delete is the caller's job, inside the same
// transaction.
func (db *DB) DeleteEvent(tx *Tx, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid event id %d", ErrPrecondition, id)
	}
	// Parts are SET NULL on event delete; drop them explicitly.
	if _, err := db.exec(tx.Tx, `DELETE FROM message_parts WHERE event_id = ?`, id); err != nil {
		return fmt.Errorf("delete parts of event %d: %w", id, err)
	}
	if _, err := db.exec(tx.Tx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete event %d: %w", id, err)
	}
	return nil
}

// replaceProperties implements the replace-the-set write: delete everything,
// reinsert the new map.
func (db *DB) replaceProperties(tx *Tx, eventID int64, props map[string]string) error {
	if _, err := db.exec(tx.Tx, `DELETE FROM event_properties WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("clear properties of event %d: %w", eventID, err)
	}
	for k, v := range props {
		if _, err := db.exec(tx.Tx, `INSERT INTO event_properties (event_id, key, value) VALUES (?, ?, ?)`,
			eventID, k, v); err != nil {
			return fmt.Errorf("insert property %q of event %d: %w", k, eventID, err)
		}
	}
	return nil
}

func (db *DB) replaceParts(tx *Tx, eventID int64, parts []MessagePart) error {
	if _, err := db.exec(tx.Tx, `DELETE FROM message_parts WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("clear parts of event %d: %w", eventID, err)
	}
	for i := range parts {
		res, err := db.exec(tx.Tx, `
			INSERT INTO message_parts (event_id, content_id, content_type, path)
			VALUES (?, ?, ?, ?)`,
			eventID, parts[i].ContentID, parts[i].ContentType, parts[i].Path)
		if err != nil {
			return fmt.Errorf("insert part %q of event %d: %w", parts[i].ContentID, eventID, err)
		}
		parts[i].ID, _ = res.LastInsertId()
		parts[i].EventID = eventID
	}
	return nil
}

// GetEvent loads one event by id, including properties and parts when the
// presence flags say there are any (no join on the common path).
func (db *DB) GetEvent(id int64) (*Event, error) {
	return db.getEventWhere("id = ?", id)
}

// GetEventByToken loads an event by its message token.
func (db *DB) GetEventByToken(token string) (*Event, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty message token", ErrPrecondition)
	}
	return db.getEventWhere("message_token = ?", token)
}

// GetEventByMmsID loads an event by its MMS transaction id.
func (db *DB) GetEventByMmsID(mmsID string) (*Event, error) {
	if mmsID == "" {
		return nil, fmt.Errorf("%w: empty mms id", ErrPrecondition)
	}
	return db.getEventWhere("mms_id = ?", mmsID)
}

func (db *DB) getEventWhere(where string, args ...any) (*Event, error) {
	row := db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE `+where, args...)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := db.loadAttachments(e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetEvents returns events matching the filter, newest first. Equal end
// times order by descending id so replayed queries are deterministic.
func (db *DB) GetEvents(f EventFilter, limit, offset int) ([]Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events`
	where, args := filterClauses(f)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY end_time DESC, id DESC"
	if limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range events {
		if err := db.loadAttachments(&events[i]); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func filterClauses(f EventFilter) ([]string, []any) {
	var where []string
	var args []any
	if f.TypeSet {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Direction != DirectionUnknown {
		where = append(where, "direction = ?")
		args = append(args, f.Direction)
	}
	if f.LocalUID != "" {
		where = append(where, "local_uid = ?")
		args = append(args, f.LocalUID)
	}
	if f.RemoteUID != "" {
		where = append(where, "remote_uid = ?")
		args = append(args, f.RemoteUID)
	}
	if f.GroupID != 0 {
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID)
	}
	return where, args
}

// MarkAsRead flips the read flag on the given events in one statement.
func (db *DB) MarkAsRead(tx *Tx, ids []int64, read bool) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, read, time.Now().Unix())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := db.exec(tx.Tx, `UPDATE events SET is_read = ?, last_modified = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	return nil
}

// DeleteAllEvents removes every event of the given type and returns the
// deleted ids so the caller can publish the delta and reap emptied groups.
func (db *DB) DeleteAllEvents(tx *Tx, typ EventType) ([]int64, error) {
	rows, err := tx.Query(`SELECT id FROM events WHERE type = ?`, typ)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := db.exec(tx.Tx, `DELETE FROM message_parts WHERE event_id IN (SELECT id FROM events WHERE type = ?)`, typ); err != nil {
		return nil, fmt.Errorf("delete parts: %w", err)
	}
	if _, err := db.exec(tx.Tx, `DELETE FROM events WHERE type = ?`, typ); err != nil {
		return nil, fmt.Errorf("delete events of type %d: %w", typ, err)
	}
	return ids, nil
}

// TotalEventsInGroup counts non-draft events in a group.
func (db *DB) TotalEventsInGroup(groupID int64) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE group_id = ? AND is_draft = 0`, groupID).Scan(&n)
	return n, err
}

func (db *DB) loadAttachments(e *Event) error {
	if e.HasExtraProperties {
		rows, err := db.Query(`SELECT key, value FROM event_properties WHERE event_id = ?`, e.ID)
		if err != nil {
			return err
		}
		e.ExtraProperties = make(map[string]string)
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				_ = rows.Close()
				return err
			}
			e.ExtraProperties[k] = v
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	if e.HasMessageParts {
		rows, err := db.Query(`SELECT id, event_id, content_id, content_type, path FROM message_parts WHERE event_id = ? ORDER BY id`, e.ID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var p MessagePart
			var eventID sql.NullInt64
			if err := rows.Scan(&p.ID, &eventID, &p.ContentID, &p.ContentType, &p.Path); err != nil {
				_ = rows.Close()
				return err
			}
			p.EventID = eventID.Int64
			e.MessageParts = append(e.MessageParts, p)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*Event, error) {
	var e Event
	var groupID sql.NullInt64
	var headers string
	err := r.Scan(&e.ID, &e.Type, &e.StartTime, &e.EndTime, &e.Direction, &e.IsDraft, &e.IsRead,
		&e.IsMissedCall, &e.IsEmergencyCall, &e.IsVideoCall, &e.IsAction, &e.Status,
		&e.IncomingStatus, &e.BytesReceived, &e.LocalUID, &e.RemoteUID, &e.Subject, &e.FreeText,
		&groupID, &e.MessageToken, &e.LastModified, &e.VCardFileName, &e.VCardLabel,
		&e.ReportDelivery, &e.ReportRead, &e.ReportReadReq, &e.ReadStatus,
		&e.ValidityPeriod, &e.ContentLocation, &e.MmsID, &headers,
		&e.HasExtraProperties, &e.HasMessageParts)
	if err != nil {
		return nil, err
	}
	e.GroupID = -1
	if groupID.Valid {
		e.GroupID = groupID.Int64
	}
	if e.Headers, err = decodeHeaders(headers); err != nil {
		return nil, fmt.Errorf("decode headers of event %d: %w", e.ID, err)
	}
	return &e, nil
}

func encodeHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	b, err := json.Marshal(h)
	return string(b), err
}

func decodeHeaders(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, err
	}
	return h, nil
}
