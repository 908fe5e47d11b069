package catalog

import "database/sql"

// Inode is a single tracked file within a Volume. It is keyed on
// (vol_id, ino), never carrying a surrogate id, because the pair is
// exactly the identity the kernel hands back from a tree-search and
// ino alone is reused across unrelated files over the volume's life.
type Inode struct {
	VolID      int64
	Ino        uint64
	Size       int64
	HasUpdates bool
	MiniHash   sql.NullInt64
	FiemapHash sql.NullInt64
}

// UpsertScannedInode records that the Scanner observed ino at size,
// marking it has_updates so the Grouper will consider it on the next
// pass. Any previously computed hashes are discarded: a changed inode
// invalidates them.
func (c *Catalog) UpsertScannedInode(volID int64, ino uint64, size int64) error {
	_, err := c.conn.Exec(
		`INSERT INTO inodes (vol_id, ino, size, has_updates, mini_hash, fiemap_hash)
		 VALUES (?, ?, ?, 1, NULL, NULL)
		 ON CONFLICT(vol_id, ino) DO UPDATE SET
			size = excluded.size, has_updates = 1, mini_hash = NULL, fiemap_hash = NULL`,
		volID, ino, size,
	)
	return err
}

// DeleteInode removes the row for an inode the Scanner found to no
// longer resolve to a path.
func (c *Catalog) DeleteInode(volID int64, ino uint64) error {
	_, err := c.conn.Exec("DELETE FROM inodes WHERE vol_id = ? AND ino = ?", volID, ino)
	return err
}

// ListUpdatedInodes returns every inode in volID still marked
// has_updates, the Grouper's input set for that volume.
func (c *Catalog) ListUpdatedInodes(volID int64) ([]*Inode, error) {
	rows, err := c.conn.Query(
		`SELECT vol_id, ino, size, has_updates, mini_hash, fiemap_hash
		 FROM inodes WHERE vol_id = ? AND has_updates = 1 ORDER BY size`,
		volID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInodes(rows)
}

// ListInodesBySize returns every tracked inode, across all volumes,
// sharing exactly the given size, the Grouper's size-class partition
// before it filters to its volume set.
func (c *Catalog) ListInodesBySize(size int64) ([]*Inode, error) {
	rows, err := c.conn.Query(
		`SELECT vol_id, ino, size, has_updates, mini_hash, fiemap_hash
		 FROM inodes WHERE size = ?`,
		size,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInodes(rows)
}

// ListInodesByMiniHash narrows a size class down to the inodes sharing
// a mini-hash signature, the Hasher's first narrowing stage.
func (c *Catalog) ListInodesByMiniHash(size int64, miniHash int64) ([]*Inode, error) {
	rows, err := c.conn.Query(
		`SELECT vol_id, ino, size, has_updates, mini_hash, fiemap_hash
		 FROM inodes WHERE size = ? AND mini_hash = ?`,
		size, miniHash,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInodes(rows)
}

// SetMiniHash records the mini-hash signature computed by the Hasher.
func (c *Catalog) SetMiniHash(volID int64, ino uint64, miniHash int64) error {
	_, err := c.conn.Exec(
		"UPDATE inodes SET mini_hash = ? WHERE vol_id = ? AND ino = ?",
		miniHash, volID, ino,
	)
	return err
}

// SetFiemapHash records the fiemap-hash signature computed by the
// Hasher's second narrowing stage.
func (c *Catalog) SetFiemapHash(volID int64, ino uint64, fiemapHash int64) error {
	_, err := c.conn.Exec(
		"UPDATE inodes SET fiemap_hash = ? WHERE vol_id = ? AND ino = ?",
		fiemapHash, volID, ino,
	)
	return err
}

// ClearHasUpdates marks an inode as processed by the current dedup
// run, so a future scan's has_updates flag reflects only genuinely new
// activity.
func (c *Catalog) ClearHasUpdates(volID int64, ino uint64) error {
	_, err := c.conn.Exec(
		"UPDATE inodes SET has_updates = 0 WHERE vol_id = ? AND ino = ?",
		volID, ino,
	)
	return err
}

func scanInodes(rows *sql.Rows) ([]*Inode, error) {
	var out []*Inode
	for rows.Next() {
		in := &Inode{}
		var hasUpdates int
		if err := rows.Scan(&in.VolID, &in.Ino, &in.Size, &hasUpdates, &in.MiniHash, &in.FiemapHash); err != nil {
			return nil, err
		}
		in.HasUpdates = hasUpdates != 0
		out = append(out, in)
	}
	return out, rows.Err()
}
