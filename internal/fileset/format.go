// Package fileset implements the on-disk file group (the head/data/last
// file triple for one time partition) and the file directory (the
// sorted registry of partitions).
//
// The block-assembly discipline is: append column payloads, compute a
// checksum-sealed block header, and record a handle the index can look
// up by later. The on-disk index is a per-table, per-partition
// SCompIdx/SCompInfo/SCompBlock hierarchy rather than a flat key/value
// restart-point block, since lookups here are keyed by (partition, tid)
// rather than by arbitrary key.
package fileset

import (
	"errors"

	"github.com/aalhour/tsdbengine/internal/checksum"
	"github.com/aalhour/tsdbengine/internal/compression"
	"github.com/aalhour/tsdbengine/internal/encoding"
)

// TSDBFileHeadSize is the number of bytes every file (.head/.data/.last)
// reserves at offset 0 for a version tag and a checksum.
const TSDBFileHeadSize = 32

const fileFormatVersion = 1

// infoDelimiter is SCompInfo's self-describing magic number, used to
// detect corruption when loading an info region.
const infoDelimiter = 0xF00AFA0F

// Sentinel errors for this layer's failure modes.
var (
	ErrCorruptOnDisk = errors.New("fileset: corrupt on disk")
	ErrOutOfBounds   = errors.New("fileset: index out of bounds")
)

// SCompIdx is the dense, per-table directory entry stored in a .head
// file's SCompIdx[maxTables] array. offset == 0 means the table has no
// data in this partition.
type SCompIdx struct {
	Offset           uint64
	Len              uint32
	HasLast          bool
	MaxKey           int64
	NumOfSuperBlocks uint32
	Checksum         uint32 // XXH3 of the referenced SCompInfo region bytes
}

// SCompIdxSize is the fixed on-disk size of one SCompIdx entry.
const SCompIdxSize = 8 + 4 + 1 + 8 + 4 + 4 // 29, left unpadded: every field is read by explicit offset, not struct layout

func (idx *SCompIdx) encode(dst []byte) {
	encoding.EncodeFixed64(dst[0:8], idx.Offset)
	encoding.EncodeFixed32(dst[8:12], idx.Len)
	if idx.HasLast {
		dst[12] = 1
	} else {
		dst[12] = 0
	}
	encoding.EncodeFixed64(dst[13:21], uint64(idx.MaxKey))
	encoding.EncodeFixed32(dst[21:25], idx.NumOfSuperBlocks)
	encoding.EncodeFixed32(dst[25:29], idx.Checksum)
}

func decodeSCompIdx(src []byte) SCompIdx {
	return SCompIdx{
		Offset:           encoding.DecodeFixed64(src[0:8]),
		Len:              encoding.DecodeFixed32(src[8:12]),
		HasLast:          src[12] != 0,
		MaxKey:           int64(encoding.DecodeFixed64(src[13:21])),
		NumOfSuperBlocks: encoding.DecodeFixed32(src[21:25]),
		Checksum:         encoding.DecodeFixed32(src[25:29]),
	}
}

// SCompBlock is one block-index entry: either a super-block (logical,
// NumOfSubBlocks>=1) or — when it appears in the sub-block run following
// a super-block whose NumOfSubBlocks>1 — one physical sub-block.
//
// When NumOfSubBlocks==1, Offset/Len address the one physical block in
// .data or .last directly. When NumOfSubBlocks>1, Offset is instead the
// starting index, within the info region's trailing sub-block run, of
// this super-block's physical sub-blocks: a super-block with
// NumOfSubBlocks>1 points via its offset to a run of sub-blocks stored
// after the super-block array — the sub-block run entries themselves
// carry the real file Offset/Len.
type SCompBlock struct {
	Offset         uint64
	Len            uint32
	KeyFirst       int64
	KeyLast        int64
	NumOfPoints    uint32
	NumOfCols      uint16
	NumOfSubBlocks uint16
	Last           bool
	Algorithm      compression.Type
	SVersion       uint32
}

// SCompBlockSize is the fixed on-disk size of one SCompBlock entry.
const SCompBlockSize = 8 + 4 + 8 + 8 + 4 + 2 + 2 + 1 + 1 + 4 // 42

func (b *SCompBlock) encode(dst []byte) {
	encoding.EncodeFixed64(dst[0:8], b.Offset)
	encoding.EncodeFixed32(dst[8:12], b.Len)
	encoding.EncodeFixed64(dst[12:20], uint64(b.KeyFirst))
	encoding.EncodeFixed64(dst[20:28], uint64(b.KeyLast))
	encoding.EncodeFixed32(dst[28:32], b.NumOfPoints)
	encoding.EncodeFixed16(dst[32:34], b.NumOfCols)
	encoding.EncodeFixed16(dst[34:36], b.NumOfSubBlocks)
	if b.Last {
		dst[36] = 1
	} else {
		dst[36] = 0
	}
	dst[37] = byte(b.Algorithm)
	encoding.EncodeFixed32(dst[38:42], b.SVersion)
}

func decodeSCompBlock(src []byte) SCompBlock {
	return SCompBlock{
		Offset:         encoding.DecodeFixed64(src[0:8]),
		Len:            encoding.DecodeFixed32(src[8:12]),
		KeyFirst:       int64(encoding.DecodeFixed64(src[12:20])),
		KeyLast:        int64(encoding.DecodeFixed64(src[20:28])),
		NumOfPoints:    encoding.DecodeFixed32(src[28:32]),
		NumOfCols:      encoding.DecodeFixed16(src[32:34]),
		NumOfSubBlocks: encoding.DecodeFixed16(src[34:36]),
		Last:           src[36] != 0,
		Algorithm:      compression.Type(src[37]),
		SVersion:       encoding.DecodeFixed32(src[38:42]),
	}
}

// SCompInfo is the per-table region pointed to by SCompIdx.Offset/Len: a
// delimiter-sealed list of super-blocks plus (if any super-block has
// NumOfSubBlocks>1) a trailing run of physical sub-blocks.
type SCompInfo struct {
	UID         uint64
	SuperBlocks []SCompBlock
	SubBlocks   []SCompBlock
}

// Encode serializes a SCompInfo region to bytes.
func (info *SCompInfo) Encode() []byte {
	size := 4 + 8 + 4 + len(info.SuperBlocks)*SCompBlockSize + len(info.SubBlocks)*SCompBlockSize
	buf := make([]byte, size)
	off := 0
	encoding.EncodeFixed32(buf[off:off+4], infoDelimiter)
	off += 4
	encoding.EncodeFixed64(buf[off:off+8], info.UID)
	off += 8
	encoding.EncodeFixed32(buf[off:off+4], uint32(len(info.SuperBlocks)))
	off += 4
	for i := range info.SuperBlocks {
		info.SuperBlocks[i].encode(buf[off : off+SCompBlockSize])
		off += SCompBlockSize
	}
	for i := range info.SubBlocks {
		info.SubBlocks[i].encode(buf[off : off+SCompBlockSize])
		off += SCompBlockSize
	}
	return buf
}

// DecodeSCompInfo parses a SCompInfo region, validating the delimiter
// and returning ErrCorruptOnDisk if it doesn't match.
func DecodeSCompInfo(buf []byte) (*SCompInfo, error) {
	if len(buf) < 16 {
		return nil, ErrCorruptOnDisk
	}
	if encoding.DecodeFixed32(buf[0:4]) != infoDelimiter {
		return nil, ErrCorruptOnDisk
	}
	uid := encoding.DecodeFixed64(buf[4:12])
	numSuper := encoding.DecodeFixed32(buf[12:16])
	off := 16
	info := &SCompInfo{UID: uid}
	for i := uint32(0); i < numSuper; i++ {
		if off+SCompBlockSize > len(buf) {
			return nil, ErrCorruptOnDisk
		}
		b := decodeSCompBlock(buf[off : off+SCompBlockSize])
		info.SuperBlocks = append(info.SuperBlocks, b)
		off += SCompBlockSize
	}
	subCount := 0
	for _, b := range info.SuperBlocks {
		if b.NumOfSubBlocks > 1 {
			subCount += int(b.NumOfSubBlocks)
		}
	}
	for i := 0; i < subCount; i++ {
		if off+SCompBlockSize > len(buf) {
			return nil, ErrCorruptOnDisk
		}
		b := decodeSCompBlock(buf[off : off+SCompBlockSize])
		info.SubBlocks = append(info.SubBlocks, b)
		off += SCompBlockSize
	}
	return info, nil
}

// PhysicalBlocks returns the flat list of physical (offset, len) blocks
// that make up super-block i, in sub-block order, along with whether
// they reside in .last.
func (info *SCompInfo) PhysicalBlocks(i int) []SCompBlock {
	sb := info.SuperBlocks[i]
	if sb.NumOfSubBlocks <= 1 {
		return []SCompBlock{sb}
	}
	start := int(sb.Offset)
	end := start + int(sb.NumOfSubBlocks)
	if start < 0 || end > len(info.SubBlocks) {
		return nil
	}
	return info.SubBlocks[start:end]
}

// SCompCol describes one column's payload within a physical block,
// offset relative to the start of the block's SCompData header. RawLen
// is the uncompressed size, required for LZ4's raw block decoder
// (LZ4_decompress_safe needs the destination size up front).
type SCompCol struct {
	ColID  uint16
	Type   uint8
	Offset uint32
	Len    uint32
	RawLen uint32
}

const scompColSize = 2 + 1 + 4 + 4 + 4 // 15

// blockDelimiter seals each physical block's SCompData header.
const blockDelimiter = 0xB10CDA7A

// blockChecksumSize is the trailing CRC32C (Castagnoli) checksum every
// physical block carries over its own delimiter-through-payload bytes.
// CRC32C rather than XXH3 here: blocks are the bulk of bytes written
// per commit and never rewritten once sealed, so the cheaper hardware-
// accelerated CRC32C is the better trade (XXH3 is reserved for the info
// region, which is rewritten on every commit — see InfoChecksum).
const blockChecksumSize = 4

// EncodeBlock serializes one physical block: delimiter, uid, per-column
// descriptors, the column payloads themselves (each independently
// compressed), and a trailing CRC32C checksum over everything before
// it. cols[i] is the raw (pre-compression) payload for column i; algo
// selects the codec used to compress every column payload in this
// block.
func EncodeBlock(uid uint64, cols [][]byte, algo compression.Type) ([]byte, error) {
	compressed := make([][]byte, len(cols))
	for i, c := range cols {
		out, err := compression.Compress(algo, c)
		if err != nil {
			return nil, err
		}
		compressed[i] = out
	}

	headerSize := 4 + 8 + 2 + len(cols)*scompColSize
	total := headerSize
	for _, c := range compressed {
		total += len(c)
	}
	buf := make([]byte, total+blockChecksumSize)

	off := 0
	encoding.EncodeFixed32(buf[off:off+4], blockDelimiter)
	off += 4
	encoding.EncodeFixed64(buf[off:off+8], uid)
	off += 8
	encoding.EncodeFixed16(buf[off:off+2], uint16(len(cols)))
	off += 2

	payloadOff := headerSize
	for i, c := range compressed {
		descOff := off + i*scompColSize
		encoding.EncodeFixed16(buf[descOff:descOff+2], uint16(i))
		buf[descOff+2] = byte(algo)
		encoding.EncodeFixed32(buf[descOff+3:descOff+7], uint32(payloadOff))
		encoding.EncodeFixed32(buf[descOff+7:descOff+11], uint32(len(c)))
		encoding.EncodeFixed32(buf[descOff+11:descOff+15], uint32(len(cols[i])))
		copy(buf[payloadOff:payloadOff+len(c)], c)
		payloadOff += len(c)
	}
	encoding.EncodeFixed32(buf[total:total+blockChecksumSize], checksum.ComputeChecksum(checksum.TypeCRC32C, buf[:total], 0))
	return buf, nil
}

// DecodeBlock parses a physical block's SCompData header, verifies its
// trailing CRC32C checksum, and decompresses every column payload back
// to raw bytes.
func DecodeBlock(buf []byte) (uid uint64, cols [][]byte, err error) {
	if len(buf) < 14+blockChecksumSize {
		return 0, nil, ErrCorruptOnDisk
	}
	body := buf[:len(buf)-blockChecksumSize]
	wantCRC := encoding.DecodeFixed32(buf[len(buf)-blockChecksumSize:])
	if checksum.ComputeChecksum(checksum.TypeCRC32C, body, 0) != wantCRC {
		return 0, nil, ErrCorruptOnDisk
	}
	if encoding.DecodeFixed32(body[0:4]) != blockDelimiter {
		return 0, nil, ErrCorruptOnDisk
	}
	uid = encoding.DecodeFixed64(body[4:12])
	numCols := int(encoding.DecodeFixed16(body[12:14]))
	off := 14
	cols = make([][]byte, numCols)
	for i := 0; i < numCols; i++ {
		if off+scompColSize > len(body) {
			return 0, nil, ErrCorruptOnDisk
		}
		algo := compression.Type(body[off+2])
		payloadOff := encoding.DecodeFixed32(body[off+3 : off+7])
		payloadLen := encoding.DecodeFixed32(body[off+7 : off+11])
		rawLen := encoding.DecodeFixed32(body[off+11 : off+15])
		off += scompColSize
		if int(payloadOff+payloadLen) > len(body) {
			return 0, nil, ErrCorruptOnDisk
		}
		raw, derr := compression.DecompressWithSize(algo, body[payloadOff:payloadOff+payloadLen], int(rawLen))
		if derr != nil {
			return 0, nil, derr
		}
		cols[i] = raw
	}
	return uid, cols, nil
}

// InfoChecksum computes the SCompIdx.Checksum algorithm this engine
// standardizes on: XXH3 over the info region bytes. XXH3 over CRC32C
// because the info region is what gets rewritten most often, on nearly
// every commit, so per-commit checksum cost dominates (see DESIGN.md).
func InfoChecksum(info []byte) uint32 {
	return uint32(checksum.XXH3Checksum(info))
}
