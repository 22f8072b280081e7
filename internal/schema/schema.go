// Package schema is a contract-only collaborator: given a schema and a
// row buffer, produce typed columns; given columns, produce a row. The
// engine never interprets column values itself — it only needs to
// split a row into per-column byte runs so fileset can store them
// columnar, and reassemble columns back into rows for the merge path.
//
// The codec follows the same fixed-width/varint building blocks the rest
// of this repository uses (internal/encoding), rather than a bespoke
// format, so a block's column payloads are bit-for-bit what
// internal/encoding callers expect everywhere else.
package schema

import (
	"errors"

	"github.com/aalhour/tsdbengine/internal/encoding"
)

// ColType enumerates the fixed-width and variable-width column types a
// Schema may declare. The first column of every Schema is always a TSKEY
// column (ColTimestamp).
type ColType uint8

const (
	ColTimestamp ColType = iota // int64, always column 0
	ColBool
	ColInt32
	ColInt64
	ColFloat64
	ColBinary // variable-length, varint length prefix
)

// Width returns the fixed on-disk width of the type, or 0 for variable
// width types whose length is carried alongside the value.
func (t ColType) Width() int {
	switch t {
	case ColTimestamp, ColInt64, ColFloat64:
		return 8
	case ColInt32:
		return 4
	case ColBool:
		return 1
	default:
		return 0
	}
}

// Column describes one column of a Schema.
type Column struct {
	ID   uint16
	Name string
	Type ColType
}

// ErrSchemaInvalid is returned when a Schema fails validation.
var ErrSchemaInvalid = errors.New("schema: first column must be a TSKEY timestamp column")

// Schema is the immutable, per-table ordered column list: the first
// column is always the timestamp. SVersion distinguishes schema
// revisions; a single block always carries rows of exactly one
// SVersion.
type Schema struct {
	SVersion uint32
	Columns  []Column
}

// Validate checks that the schema's first column is the timestamp.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 || s.Columns[0].Type != ColTimestamp {
		return ErrSchemaInvalid
	}
	return nil
}

// Row is one decoded record: a TSKEY and the raw column values in
// Schema.Columns order (excluding the timestamp, which is lifted out for
// ordering purposes by the memtable).
type Row struct {
	Timestamp int64
	Values    [][]byte // one entry per non-timestamp column, in schema order
}

// Encode serializes a Row into the wire/memtable row format:
//
//	timestamp : fixed64 (little-endian, as encoding.EncodeFixed64 writes it)
//	values[i] : one per non-timestamp column; the raw bytes for a
//	            fixed-width column, [varint32 length][bytes] otherwise
//
// This is the opaque "row buffer" the rest of the engine passes
// around; Decode is its inverse, parameterized by Schema so fixed-width
// columns don't need a redundant length prefix.
func Encode(s *Schema, row *Row) []byte {
	out := make([]byte, 0, 8+len(row.Values)*9)
	var tsBuf [8]byte
	encoding.EncodeFixed64(tsBuf[:], uint64(row.Timestamp))
	out = append(out, tsBuf[:]...)
	for i, col := range s.Columns[1:] {
		v := row.Values[i]
		if col.Type.Width() > 0 {
			out = append(out, v...)
		} else {
			out = encoding.AppendLengthPrefixedSlice(out, v)
		}
	}
	return out
}

// Decode parses a row buffer produced by Encode back into a Row.
func Decode(s *Schema, buf []byte) (*Row, error) {
	if len(buf) < 8 {
		return nil, errors.New("schema: row buffer too short")
	}
	ts := int64(encoding.DecodeFixed64(buf[:8]))
	buf = buf[8:]
	values := make([][]byte, len(s.Columns)-1)
	for i, col := range s.Columns[1:] {
		w := col.Type.Width()
		if w > 0 {
			if len(buf) < w {
				return nil, errors.New("schema: row buffer truncated")
			}
			values[i] = buf[:w]
			buf = buf[w:]
		} else {
			v, n, err := encoding.DecodeLengthPrefixedSlice(buf)
			if err != nil {
				return nil, err
			}
			values[i] = v
			buf = buf[n:]
		}
	}
	return &Row{Timestamp: ts, Values: values}, nil
}

// RowSize returns the number of bytes buf's leading row occupies,
// without allocating a Row, so a caller holding a densely packed
// sequence of rows (a submit block's `data` field) can split it into
// individual row buffers before calling Decode on each.
func RowSize(s *Schema, buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, errors.New("schema: row buffer too short")
	}
	n := 8
	for _, col := range s.Columns[1:] {
		w := col.Type.Width()
		if w > 0 {
			if len(buf) < n+w {
				return 0, errors.New("schema: row buffer truncated")
			}
			n += w
			continue
		}
		_, read, err := encoding.DecodeLengthPrefixedSlice(buf[n:])
		if err != nil {
			return 0, err
		}
		n += read
	}
	return n, nil
}

// ColumnBuffer accumulates decoded rows as a columnar buffer: one
// contiguous byte run per column, ready for fileset to write out as a
// block's SCompCol payloads.
type ColumnBuffer struct {
	Schema *Schema
	Cols   [][]byte // Cols[i] is the concatenated payload for Schema.Columns[i]
	Rows   int
}

// NewColumnBuffer creates an empty columnar buffer for the given schema.
func NewColumnBuffer(s *Schema) *ColumnBuffer {
	return &ColumnBuffer{
		Schema: s,
		Cols:   make([][]byte, len(s.Columns)),
	}
}

// Append adds one row's columns to the buffer.
func (cb *ColumnBuffer) Append(row *Row) {
	var tsBuf [8]byte
	encoding.EncodeFixed64(tsBuf[:], uint64(row.Timestamp))
	cb.Cols[0] = append(cb.Cols[0], tsBuf[:]...)
	for i, col := range cb.Schema.Columns[1:] {
		v := row.Values[i]
		if col.Type.Width() > 0 {
			cb.Cols[i+1] = append(cb.Cols[i+1], v...)
		} else {
			cb.Cols[i+1] = encoding.AppendLengthPrefixedSlice(cb.Cols[i+1], v)
		}
	}
	cb.Rows++
}

// TimestampAt returns the timestamp of the row at the given index,
// reading directly out of the timestamp column's byte run.
func (cb *ColumnBuffer) TimestampAt(i int) int64 {
	off := i * 8
	return int64(encoding.DecodeFixed64(cb.Cols[0][off : off+8]))
}
