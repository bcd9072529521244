package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrMessageDone is returned when appending to a message that has already
// been finished.
var ErrMessageDone = errors.New("store: message already finished")

// CreateMessageText opens an empty text row for a message being written.
func (tx *Tx) CreateMessageText(worldID, messageID string) error {
	_, err := tx.exec(`INSERT INTO message_text (world_id, message_id, text, done) VALUES (?,?,'',0)`, worldID, messageID)
	if err != nil {
		return fmt.Errorf("create message text %q: %w", messageID, err)
	}
	return nil
}

// FinishMessageText seals the text row; later appends fail.
func (tx *Tx) FinishMessageText(worldID, messageID string) error {
	res, err := tx.exec(`UPDATE message_text SET done=1 WHERE world_id=? AND message_id=?`, worldID, messageID)
	if err != nil {
		return fmt.Errorf("finish message text %q: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish message text %q: %w", messageID, ErrNotFound)
	}
	return nil
}

func (tx *Tx) MessageText(worldID, messageID string) (text string, done bool, err error) {
	var d int
	err = tx.queryRow(`SELECT text, done FROM message_text WHERE world_id=? AND message_id=?`, worldID, messageID).Scan(&text, &d)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("message text %q: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return "", false, err
	}
	return text, d != 0, nil
}

// AppendMessageText appends a streamed chunk in its own transaction so a
// slow writer never holds the step transaction.
func (s *Store) AppendMessageText(ctx context.Context, worldID, messageID, chunk string) error {
	return s.Update(ctx, func(tx *Tx) error {
		_, done, err := tx.MessageText(worldID, messageID)
		if err != nil {
			return err
		}
		if done {
			return fmt.Errorf("append %q: %w", messageID, ErrMessageDone)
		}
		_, err = tx.exec(`UPDATE message_text SET text=text||? WHERE world_id=? AND message_id=?`, chunk, worldID, messageID)
		return err
	})
}

// MessageTextRow is one stored message body.
type MessageTextRow struct {
	MessageID string
	Text      string
	Done      bool
}

// MessageTexts returns every message body of the world ordered by id.
func (tx *Tx) MessageTexts(worldID string) ([]MessageTextRow, error) {
	rows, err := tx.query(`SELECT message_id, text, done FROM message_text WHERE world_id=? ORDER BY message_id`, worldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MessageTextRow
	for rows.Next() {
		var (
			r MessageTextRow
			d int
		)
		if err := rows.Scan(&r.MessageID, &r.Text, &d); err != nil {
			return nil, err
		}
		r.Done = d != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutMessageText writes a message body verbatim, replacing any existing row.
func (tx *Tx) PutMessageText(worldID string, r MessageTextRow) error {
	_, err := tx.exec(`INSERT INTO message_text (world_id, message_id, text, done) VALUES (?,?,?,?)
		ON CONFLICT(world_id, message_id) DO UPDATE SET text=excluded.text, done=excluded.done`,
		worldID, r.MessageID, r.Text, boolInt(r.Done))
	if err != nil {
		return fmt.Errorf("put message text %q: %w", r.MessageID, err)
	}
	return nil
}
