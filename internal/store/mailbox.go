package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/driftworks/netplay/internal/signal"
)

// Mailbox is the append-only signaling table polled by
// signal.TableTransport. Rows are totally ordered by seq.
type Mailbox struct {
	db *sql.DB
}

var _ signal.Mailbox = (*Mailbox)(nil)

// Append stores one signaling message in the room's mailbox.
func (m *Mailbox) Append(ctx context.Context, room string, msg signal.Message) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO signal_mailbox (room, msg_type, from_peer, to_peer, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		room, string(msg.Type), msg.From, msg.To, []byte(msg.Data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append signaling row: %w", err)
	}
	return nil
}

// Fetch returns rows newer than afterSeq addressed to the peer or to the
// room at large, in seq order.
func (m *Mailbox) Fetch(ctx context.Context, room, peerID string, afterSeq int64) ([]signal.StoredMessage, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT seq, msg_type, from_peer, to_peer, data
		 FROM signal_mailbox
		 WHERE room = ? AND seq > ? AND (to_peer = ? OR to_peer = ? OR to_peer = '')
		 ORDER BY seq`,
		room, afterSeq, peerID, room)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signaling rows: %w", err)
	}
	defer rows.Close()

	var out []signal.StoredMessage
	for rows.Next() {
		var row signal.StoredMessage
		var msgType string
		var data []byte
		if err := rows.Scan(&row.Seq, &msgType, &row.Msg.From, &row.Msg.To, &data); err != nil {
			return nil, fmt.Errorf("failed to scan signaling row: %w", err)
		}
		row.Msg.Type = signal.MessageType(msgType)
		row.Msg.Data = data
		out = append(out, row)
	}
	return out, rows.Err()
}

// Prune deletes rows older than the retention window. Hosts run this
// periodically so abandoned rooms do not grow without bound.
func (m *Mailbox) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM signal_mailbox WHERE created_at < ?`,
		time.Now().Add(-olderThan).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune mailbox: %w", err)
	}
	return res.RowsAffected()
}
