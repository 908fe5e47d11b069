package catalog

import (
	"database/sql"
	"time"
)

// Volume is a single btrfs subvolume tree, identified by the pair
// (fs_id, root_id) rather than by mountpoint: the mountpoint can
// move between scans, the pair cannot.
type Volume struct {
	ID                    int64
	FsID                  int64
	RootID                uint64
	SizeCutoff            int64
	LastTrackedGeneration uint64
	LastTrackedSizeCutoff sql.NullInt64
}

// GetOrCreateVolume returns the Volume for (fsID, rootID), creating it
// with defaultSizeCutoff the first time this root is seen.
func (c *Catalog) GetOrCreateVolume(fsID int64, rootID uint64, defaultSizeCutoff int64) (*Volume, error) {
	vol, err := c.GetVolume(fsID, rootID)
	if err == nil {
		return vol, nil
	}

	res, err := c.conn.Exec(
		"INSERT INTO volumes (fs_id, root_id, size_cutoff) VALUES (?, ?, ?)",
		fsID, rootID, defaultSizeCutoff,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Volume{ID: id, FsID: fsID, RootID: rootID, SizeCutoff: defaultSizeCutoff}, nil
}

// GetVolume returns the Volume for (fsID, rootID).
func (c *Catalog) GetVolume(fsID int64, rootID uint64) (*Volume, error) {
	row := c.conn.QueryRow(
		`SELECT id, fs_id, root_id, size_cutoff, last_tracked_generation, last_tracked_size_cutoff
		 FROM volumes WHERE fs_id = ? AND root_id = ?`,
		fsID, rootID,
	)
	v := &Volume{}
	if err := row.Scan(&v.ID, &v.FsID, &v.RootID, &v.SizeCutoff, &v.LastTrackedGeneration, &v.LastTrackedSizeCutoff); err != nil {
		return nil, err
	}
	return v, nil
}

// ListVolumesByFilesystem returns every Volume tracked under fsID.
func (c *Catalog) ListVolumesByFilesystem(fsID int64) ([]*Volume, error) {
	rows, err := c.conn.Query(
		`SELECT id, fs_id, root_id, size_cutoff, last_tracked_generation, last_tracked_size_cutoff
		 FROM volumes WHERE fs_id = ? ORDER BY root_id`,
		fsID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Volume
	for rows.Next() {
		v := &Volume{}
		if err := rows.Scan(&v.ID, &v.FsID, &v.RootID, &v.SizeCutoff, &v.LastTrackedGeneration, &v.LastTrackedSizeCutoff); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListVolumes returns every Volume the Catalog has recorded, across
// all filesystems.
func (c *Catalog) ListVolumes() ([]*Volume, error) {
	rows, err := c.conn.Query(
		`SELECT id, fs_id, root_id, size_cutoff, last_tracked_generation, last_tracked_size_cutoff
		 FROM volumes ORDER BY fs_id, root_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Volume
	for rows.Next() {
		v := &Volume{}
		if err := rows.Scan(&v.ID, &v.FsID, &v.RootID, &v.SizeCutoff, &v.LastTrackedGeneration, &v.LastTrackedSizeCutoff); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AdvanceVolumeCursor persists the generation and size cutoff that the
// scan just completed with, so the next scan's tree-search can start
// from min_transid = generation+1.
func (c *Catalog) AdvanceVolumeCursor(volID int64, generation uint64, sizeCutoff int64) error {
	_, err := c.conn.Exec(
		"UPDATE volumes SET last_tracked_generation = ?, last_tracked_size_cutoff = ? WHERE id = ?",
		generation, sizeCutoff, volID,
	)
	return err
}

// ForgetVolume resets a volume's tracked state: its generation cursor
// and every Inode row for it are cleared, so the next scan behaves as
// if the volume were being seen for the first time.
func (c *Catalog) ForgetVolume(volID int64) error {
	tx, err := c.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM inodes WHERE vol_id = ?", volID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"UPDATE volumes SET last_tracked_generation = 0, last_tracked_size_cutoff = NULL WHERE id = ?",
		volID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordVolumePath appends (or refreshes) an observation of the
// mountpoint a volume was found under.
func (c *Catalog) RecordVolumePath(volID int64, path string, observedAt time.Time) error {
	_, err := c.conn.Exec(
		`INSERT INTO volume_path_history (vol_id, path, observed_at) VALUES (?, ?, ?)
		 ON CONFLICT(vol_id, path) DO UPDATE SET observed_at = excluded.observed_at`,
		volID, path, observedAt.Unix(),
	)
	return err
}

// ListVolumePaths returns every mountpoint ever observed for volID,
// most recently observed first.
func (c *Catalog) ListVolumePaths(volID int64) ([]string, error) {
	rows, err := c.conn.Query(
		"SELECT path FROM volume_path_history WHERE vol_id = ? ORDER BY observed_at DESC",
		volID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		out = append(out, path)
	}
	return out, rows.Err()
}
