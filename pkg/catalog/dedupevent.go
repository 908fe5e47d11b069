package catalog

import "time"

// DedupEvent and DedupEventInode form the append-only audit log of
// every successful clone. They deliberately carry no foreign key to
// the inode rows they describe: inode numbers are recycled, so by the
// time the log is read those rows may name unrelated files.
type DedupEvent struct {
	ID        int64
	FsID      int64
	ItemSize  int64
	CreatedAt time.Time
}

// DedupEventInode is one participant (vol, ino) in a DedupEvent: the
// group of inodes that were found byte-identical and cloned together.
type DedupEventInode struct {
	ID      int64
	EventID int64
	VolID   int64
	Ino     uint64
}

// RecordDedupEvent writes the audit-log entry for one successful
// clone, along with every inode that participated in it.
func (c *Catalog) RecordDedupEvent(fsID int64, itemSize int64, createdAt time.Time, participants []DedupEventInode) (int64, error) {
	tx, err := c.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"INSERT INTO dedup_events (fs_id, item_size, created_at) VALUES (?, ?, ?)",
		fsID, itemSize, createdAt.Unix(),
	)
	if err != nil {
		return 0, err
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, p := range participants {
		if _, err := tx.Exec(
			"INSERT INTO dedup_event_inodes (event_id, vol_id, ino) VALUES (?, ?, ?)",
			eventID, p.VolID, p.Ino,
		); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return eventID, nil
}

// EstimatedSpaceGain returns item_size * (n-1) for an event with n
// participants, the space reclaimed by collapsing n copies into one
// shared extent.
func (e *DedupEvent) EstimatedSpaceGain(participantCount int) int64 {
	if participantCount <= 1 {
		return 0
	}
	return e.ItemSize * int64(participantCount-1)
}

// ListDedupEventsByFilesystem returns every DedupEvent recorded for
// fsID, most recent first.
func (c *Catalog) ListDedupEventsByFilesystem(fsID int64) ([]*DedupEvent, error) {
	rows, err := c.conn.Query(
		"SELECT id, fs_id, item_size, created_at FROM dedup_events WHERE fs_id = ? ORDER BY created_at DESC",
		fsID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DedupEvent
	for rows.Next() {
		ev := &DedupEvent{}
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.FsID, &ev.ItemSize, &createdAt); err != nil {
			return nil, err
		}
		ev.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountDedupEventInodes returns how many inodes participated in event.
func (c *Catalog) CountDedupEventInodes(eventID int64) (int, error) {
	row := c.conn.QueryRow("SELECT COUNT(*) FROM dedup_event_inodes WHERE event_id = ?", eventID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
