package tsdb

import (
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/tsdbengine/internal/checksum"
	"github.com/aalhour/tsdbengine/internal/encoding"
	"github.com/aalhour/tsdbengine/internal/tsunit"
	"github.com/aalhour/tsdbengine/internal/vfs"
)

// configFileName is the CONFIG file's fixed name under rootDir.
const configFileName = "CONFIG"

// configTmpFileName is the staging name used for the atomic write
// discipline: write the new content under a temporary name, fsync, then
// rename over the old one.
const configTmpFileName = "CONFIG.new"

// configHeaderSize is CONFIG's fixed version+CRC32C header. CONFIG has
// no block content to validate incrementally, but the checksum over the
// body still detects a torn write.
const configHeaderSize = 8 // version:u32 + crc32c:u32

// configBodySize is the encoded size of STsdbCfg's fields.
const configBodySize = 1 + 4 + 4 + 4 + 4 + 4 + 4 + 8 // 33

const configFileVersion = 1

// Config is the fixed-size repository configuration struct, persisted
// atomically to the CONFIG file at creation time.
type Config struct {
	Precision           tsunit.Precision
	TsdbID              int32
	MaxTables           int32
	DaysPerFile         int32
	MinRowsPerFileBlock int32
	MaxRowsPerFileBlock int32
	Keep                int32
	MaxCacheSize        int64
}

// DefaultConfig returns the recognized-option defaults.
func DefaultConfig() Config {
	return Config{
		Precision:           tsunit.Milli,
		MaxTables:           1000,
		DaysPerFile:         10,
		MinRowsPerFileBlock: 100,
		MaxRowsPerFileBlock: 4096,
		Keep:                3650,
		MaxCacheSize:        16 << 20,
	}
}

// Validate checks cfg against the recognized bounds for every option.
// It rejects with ErrConfigInvalid before any side effect, so Open and
// Create never touch the filesystem on an invalid config.
func (cfg Config) Validate() error {
	switch {
	case cfg.Precision < tsunit.Milli || cfg.Precision > tsunit.Nano:
		return fmt.Errorf("%w: precision %d out of range", ErrConfigInvalid, cfg.Precision)
	case cfg.MaxTables < 10 || cfg.MaxTables > 100000:
		return fmt.Errorf("%w: maxTables %d out of range [10,100000]", ErrConfigInvalid, cfg.MaxTables)
	case cfg.DaysPerFile < 1 || cfg.DaysPerFile > 60:
		return fmt.Errorf("%w: daysPerFile %d out of range [1,60]", ErrConfigInvalid, cfg.DaysPerFile)
	case cfg.MinRowsPerFileBlock < 10 || cfg.MinRowsPerFileBlock > 1000:
		return fmt.Errorf("%w: minRowsPerFileBlock %d out of range [10,1000]", ErrConfigInvalid, cfg.MinRowsPerFileBlock)
	case cfg.MaxRowsPerFileBlock < 200 || cfg.MaxRowsPerFileBlock > 10000:
		return fmt.Errorf("%w: maxRowsPerFileBlock %d out of range [200,10000]", ErrConfigInvalid, cfg.MaxRowsPerFileBlock)
	case cfg.Keep < 1:
		return fmt.Errorf("%w: keep %d must be >= 1", ErrConfigInvalid, cfg.Keep)
	case cfg.MaxCacheSize < 4<<20 || cfg.MaxCacheSize > 1<<30:
		return fmt.Errorf("%w: maxCacheSize %d out of range [4MiB,1GiB]", ErrConfigInvalid, cfg.MaxCacheSize)
	case cfg.MinRowsPerFileBlock > cfg.MaxRowsPerFileBlock:
		return fmt.Errorf("%w: minRowsPerFileBlock %d > maxRowsPerFileBlock %d", ErrConfigInvalid, cfg.MinRowsPerFileBlock, cfg.MaxRowsPerFileBlock)
	}
	return nil
}

func (cfg Config) encode() []byte {
	body := make([]byte, configBodySize)
	body[0] = byte(cfg.Precision)
	encoding.EncodeFixed32(body[1:5], uint32(cfg.TsdbID))
	encoding.EncodeFixed32(body[5:9], uint32(cfg.MaxTables))
	encoding.EncodeFixed32(body[9:13], uint32(cfg.DaysPerFile))
	encoding.EncodeFixed32(body[13:17], uint32(cfg.MinRowsPerFileBlock))
	encoding.EncodeFixed32(body[17:21], uint32(cfg.MaxRowsPerFileBlock))
	encoding.EncodeFixed32(body[21:25], uint32(cfg.Keep))
	encoding.EncodeFixed64(body[25:33], uint64(cfg.MaxCacheSize))

	buf := make([]byte, configHeaderSize+len(body))
	encoding.EncodeFixed32(buf[0:4], configFileVersion)
	encoding.EncodeFixed32(buf[4:8], checksum.Value(body))
	copy(buf[configHeaderSize:], body)
	return buf
}

func decodeConfig(buf []byte) (Config, error) {
	if len(buf) != configHeaderSize+configBodySize {
		return Config{}, fmt.Errorf("%w: CONFIG size %d, want %d", ErrCorruptOnDisk, len(buf), configHeaderSize+configBodySize)
	}
	body := buf[configHeaderSize:]
	if checksum.Value(body) != encoding.DecodeFixed32(buf[4:8]) {
		return Config{}, fmt.Errorf("%w: CONFIG checksum mismatch", ErrCorruptOnDisk)
	}
	return Config{
		Precision:           tsunit.Precision(int8(body[0])),
		TsdbID:              int32(encoding.DecodeFixed32(body[1:5])),
		MaxTables:           int32(encoding.DecodeFixed32(body[5:9])),
		DaysPerFile:         int32(encoding.DecodeFixed32(body[9:13])),
		MinRowsPerFileBlock: int32(encoding.DecodeFixed32(body[13:17])),
		MaxRowsPerFileBlock: int32(encoding.DecodeFixed32(body[17:21])),
		Keep:                int32(encoding.DecodeFixed32(body[21:25])),
		MaxCacheSize:        int64(encoding.DecodeFixed64(body[25:33])),
	}, nil
}

// writeConfig persists cfg to rootDir/CONFIG atomically: write the
// encoded struct under a temporary name, fsync it, rename over the
// final name, then fsync the directory.
func writeConfig(fs vfs.FS, rootDir string, cfg Config) error {
	tmpPath := rootDir + "/" + configTmpFileName
	finalPath := rootDir + "/" + configFileName

	f, err := fs.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := f.Append(cfg.encode()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := fs.Rename(tmpPath, finalPath); err != nil {
		return err
	}
	return fs.SyncDir(rootDir)
}

// readConfig loads rootDir/CONFIG.
func readConfig(fs vfs.FS, rootDir string) (Config, error) {
	f, err := fs.Open(rootDir + "/" + configFileName)
	if err != nil {
		return Config{}, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, configHeaderSize+configBodySize)
	n, err := readFull(f, buf)
	if err != nil {
		return Config{}, err
	}
	if n != len(buf) {
		return Config{}, fmt.Errorf("%w: CONFIG truncated", ErrCorruptOnDisk)
	}
	return decodeConfig(buf)
}

func readFull(f vfs.SequentialFile, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, io.ErrUnexpectedEOF
		}
	}
	return total, nil
}
