package storage

import "bytes"

// RowKey identifies a row as (table, primary key).
type RowKey struct {
	Table string
	PK    string
}

// EncodeRowKey flattens a RowKey for ordered storage.
// Format: Table | 0x00 | PK. Table names must not contain NUL, so
// encoded keys sort by (table, pk) and a table prefix scan is a plain
// range scan. The SQL front end rejects NUL in both parts; callers
// constructing RowKeys directly must keep at least the table name
// NUL-free or DecodeRowKey splits at the wrong byte.
func EncodeRowKey(k RowKey) []byte {
	buf := make([]byte, 0, len(k.Table)+1+len(k.PK))
	buf = append(buf, k.Table...)
	buf = append(buf, 0x00)
	buf = append(buf, k.PK...)
	return buf
}

// DecodeRowKey splits an encoded key back into (table, pk).
func DecodeRowKey(joined []byte) RowKey {
	i := bytes.IndexByte(joined, 0x00)
	if i < 0 {
		return RowKey{Table: string(joined)}
	}
	return RowKey{Table: string(joined[:i]), PK: string(joined[i+1:])}
}

// TablePrefix returns the encoded prefix shared by every key of a table.
func TablePrefix(table string) []byte {
	buf := make([]byte, 0, len(table)+1)
	buf = append(buf, table...)
	buf = append(buf, 0x00)
	return buf
}
