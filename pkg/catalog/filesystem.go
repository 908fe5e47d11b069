package catalog

// Filesystem corresponds to a single btrfs fsid. It is the root
// of the entity graph: every Volume belongs to exactly one Filesystem.
type Filesystem struct {
	ID   int64
	UUID string
}

// GetOrCreateFilesystem looks up a Filesystem by its formatted fsid,
// inserting a new row the first time this fsid is seen.
func (c *Catalog) GetOrCreateFilesystem(uuid string) (*Filesystem, error) {
	fs, err := c.GetFilesystemByUUID(uuid)
	if err == nil {
		return fs, nil
	}

	res, err := c.conn.Exec("INSERT INTO filesystems (uuid) VALUES (?)", uuid)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Filesystem{ID: id, UUID: uuid}, nil
}

// GetFilesystemByUUID returns the Filesystem with the given fsid.
func (c *Catalog) GetFilesystemByUUID(uuid string) (*Filesystem, error) {
	row := c.conn.QueryRow("SELECT id, uuid FROM filesystems WHERE uuid = ?", uuid)
	fs := &Filesystem{}
	if err := row.Scan(&fs.ID, &fs.UUID); err != nil {
		return nil, err
	}
	return fs, nil
}

// ListFilesystems returns every Filesystem the Catalog has recorded.
func (c *Catalog) ListFilesystems() ([]*Filesystem, error) {
	rows, err := c.conn.Query("SELECT id, uuid FROM filesystems ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Filesystem
	for rows.Next() {
		fs := &Filesystem{}
		if err := rows.Scan(&fs.ID, &fs.UUID); err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}
