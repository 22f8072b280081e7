// Package tsdb is the root package: the Repository type that owns the
// cache/arena, the table registry, the file-group directory, and the
// commit pipeline. It drives a single background task per commit.
package tsdb

import (
	"fmt"
	"sync"

	"github.com/aalhour/tsdbengine/internal/arena"
	"github.com/aalhour/tsdbengine/internal/commit"
	"github.com/aalhour/tsdbengine/internal/compression"
	"github.com/aalhour/tsdbengine/internal/fileset"
	"github.com/aalhour/tsdbengine/internal/logging"
	"github.com/aalhour/tsdbengine/internal/meta"
	"github.com/aalhour/tsdbengine/internal/schema"
	"github.com/aalhour/tsdbengine/internal/tsunit"
	"github.com/aalhour/tsdbengine/internal/vfs"
)

// state is the repository's lifecycle stage.
type state int32

const (
	stateConfiguring state = iota
	stateActive
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConfiguring:
		return "CONFIGURING"
	case stateActive:
		return "ACTIVE"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const dataSubdir = "data"

// Status is a snapshot of repository health returned by GetStatus, a
// typed struct since this engine has a small, fixed set of properties
// worth exposing.
type Status struct {
	State         string
	NumTables     int32
	NumFileGroups int
	CacheInUse    int64
	CacheMax      int64
	CommitActive  bool
}

// Repository is the top-level object: it owns the cache/arena, the
// table registry, the file-group directory, and drives the commit
// pipeline.
type Repository struct {
	mu sync.Mutex

	rootDir string
	fs      vfs.FS
	cfg     Config
	logger  logging.Logger

	state state

	cache *arena.Arena
	meta  *meta.Meta
	dir   *fileset.Directory

	commitInProgress bool
	wg               sync.WaitGroup
}

// Create initializes a brand-new repository at rootDir: validates cfg,
// creates the directory layout, and persists CONFIG atomically,
// transitioning the repository from CONFIGURING to ACTIVE on success.
func Create(fs vfs.FS, rootDir string, cfg Config, logger logging.Logger) (*Repository, error) {
	logger = logging.OrDefault(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := fs.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := fs.MkdirAll(rootDir+"/"+dataSubdir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := writeConfig(fs, rootDir, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	r := newRepository(fs, rootDir, cfg, logger)
	r.state = stateActive
	logger.Infof("%srepository created at %s", logging.NSDB, rootDir)
	return r, nil
}

// Open loads an existing repository, reading CONFIG and recovering the
// file-group directory from whatever partitions are present on disk: it
// finds existing "<fid>.head" file groups (fid zero-padded to 20 digits,
// no prefix) and cleans up any stray *.new temp file left by an aborted
// CONFIG or .head rewrite.
func Open(fs vfs.FS, rootDir string, logger logging.Logger) (*Repository, error) {
	logger = logging.OrDefault(logger)
	cfg, err := readConfig(fs, rootDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if tmp := rootDir + "/" + configTmpFileName; fs.Exists(tmp) {
		logger.Warnf("%sremoving stray %s left by an aborted CONFIG rewrite", logging.NSRecovery, configTmpFileName)
		if err := fs.Remove(tmp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
	}

	r := newRepository(fs, rootDir, cfg, logger)

	dataDir := rootDir + "/" + dataSubdir
	if err := removeStrayTempFiles(fs, dataDir, logger); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	fids, err := discoverFileGroups(fs, dataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := r.dir.OpenAll(fids); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptOnDisk, err)
	}

	r.state = stateActive
	logger.Infof("%srepository opened at %s, %d file group(s) recovered", logging.NSRecovery, rootDir, len(fids))
	return r, nil
}

func newRepository(fs vfs.FS, rootDir string, cfg Config, logger logging.Logger) *Repository {
	return &Repository{
		rootDir: rootDir,
		fs:      fs,
		cfg:     cfg,
		logger:  logger,
		state:   stateConfiguring,
		cache:   arena.New(cfg.MaxCacheSize, arena.DefaultBlockSize),
		meta:    meta.New(cfg.MaxTables),
		dir:     fileset.NewDirectory(fs, rootDir+"/"+dataSubdir, int(cfg.MaxTables)),
	}
}

// removeStrayTempFiles unlinks any *.new file an aborted .head rewrite
// left behind in dataDir. The live files a temp was meant to replace are
// untouched, so dropping the temp restores the exact pre-commit state.
func removeStrayTempFiles(fs vfs.FS, dataDir string, logger logging.Logger) error {
	if !fs.Exists(dataDir) {
		return nil
	}
	names, err := fs.ListDir(dataDir)
	if err != nil {
		return err
	}
	const suffix = ".new"
	for _, name := range names {
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		logger.Warnf("%sremoving stray %s left by an aborted rewrite", logging.NSRecovery, name)
		if err := fs.Remove(dataDir + "/" + name); err != nil {
			return err
		}
	}
	return nil
}

// discoverFileGroups scans dataDir for "<fid>.head" files and returns
// the fids found, per fileset's "%020d.head" naming (group.go).
func discoverFileGroups(fs vfs.FS, dataDir string) ([]int64, error) {
	if !fs.Exists(dataDir) {
		return nil, nil
	}
	names, err := fs.ListDir(dataDir)
	if err != nil {
		return nil, err
	}
	const suffix = ".head"
	var fids []int64
	for _, name := range names {
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		var fid int64
		if _, err := fmt.Sscanf(name[:len(name)-len(suffix)], "%d", &fid); err != nil {
			continue
		}
		fids = append(fids, fid)
	}
	return fids, nil
}

// Configure updates the repository's configuration in place, validating
// and persisting the new config before applying any in-memory effect.
// Structural fields that
// would invalidate already-written file groups (MaxTables, DaysPerFile,
// Precision) are rejected once any table or file group exists.
func (r *Repository) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateClosed {
		return ErrRepoClosed
	}
	if cfg.MaxTables != r.cfg.MaxTables || cfg.DaysPerFile != r.cfg.DaysPerFile || cfg.Precision != r.cfg.Precision {
		if r.meta.Count() > 0 || r.dir.Len() > 0 {
			return fmt.Errorf("%w: cannot change maxTables/daysPerFile/precision once file groups exist", ErrConfigInvalid)
		}
	}
	if err := writeConfig(r.fs, r.rootDir, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	r.cfg = cfg
	return nil
}

// Close transitions the repository to CLOSED, waiting for any in-flight
// commit to drain first before tearing down state.
func (r *Repository) Close() error {
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = stateClosed
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Infof("%srepository closed", logging.NSDB)
	return nil
}

// Drop closes the repository and removes every file it owns under
// rootDir.
func (r *Repository) Drop() error {
	if err := r.Close(); err != nil {
		return err
	}
	if err := r.fs.RemoveAll(r.rootDir); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

// CreateTable registers a new table, delegating range/occupancy
// validation to internal/meta.
func (r *Repository) CreateTable(cfg meta.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateActive {
		return ErrRepoClosed
	}
	if cfg.Schema != nil {
		if err := cfg.Schema.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrOutOfBounds, err)
		}
	}
	_, err := r.meta.Create(cfg)
	return translateMetaErr(err)
}

// DropTable tombstones a table's registry slot.
func (r *Repository) DropTable(tid int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateActive {
		return ErrRepoClosed
	}
	return translateMetaErr(r.meta.Drop(tid))
}

// AlterTable rebinds a table's schema in place, used for non-destructive
// schema revisions (a new SVersion is expected to be set on the new
// schema by the caller).
func (r *Repository) AlterTable(tid int32, newSchema *schema.Schema) error {
	if err := newSchema.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfBounds, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateActive {
		return ErrRepoClosed
	}
	h := r.meta.Get(tid)
	if h == nil {
		return ErrTableUnknown
	}
	h.Schema = newSchema
	return nil
}

// GetMeta returns the registered handle for tid, or ErrTableUnknown.
func (r *Repository) GetMeta(tid int32) (*meta.TableHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.meta.Get(tid)
	if h == nil {
		return nil, ErrTableUnknown
	}
	return h, nil
}

// GetStatus reports a snapshot of repository health.
func (r *Repository) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		State:         r.state.String(),
		NumTables:     r.meta.Count(),
		NumFileGroups: r.dir.Len(),
		CacheInUse:    r.cache.ActiveUsage(),
		CacheMax:      r.cache.MaxSize(),
		CommitActive:  r.commitInProgress,
	}
}

// Insert parses a submit message and applies each submit block's rows
// to its target table's active memtable. A submit block that fails
// validation or allocation fails that block only; rows from earlier
// blocks, and earlier rows within a failing block, remain inserted —
// insert is not transactional across rows or blocks.
func (r *Repository) Insert(msg []byte) error {
	r.mu.Lock()
	if r.state != stateActive {
		r.mu.Unlock()
		return ErrRepoClosed
	}
	r.mu.Unlock()

	blocks, err := parseSubmitMessage(msg)
	if err != nil {
		return err
	}

	var firstErr error
	for _, b := range blocks {
		if err := r.insertBlock(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repository) insertBlock(b SubmitBlock) error {
	r.mu.Lock()
	h, err := r.meta.ValidateForInsert(b.UID, b.TID)
	if err != nil {
		r.mu.Unlock()
		return translateMetaErr(err)
	}
	mem := h.Mem(r.cache)
	r.mu.Unlock()

	buf := b.Data
	for i := uint16(0); i < b.NumOfRows; i++ {
		n, err := schema.RowSize(h.Schema, buf)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptOnDisk, err)
		}
		row, err := schema.Decode(h.Schema, buf[:n])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptOnDisk, err)
		}
		// buf[:n] is already the row's canonical encoding; mem.Insert
		// copies it into arena-backed memory itself.
		if err := mem.Insert(row.Timestamp, buf[:n]); err != nil {
			return ErrCacheFull
		}
		buf = buf[n:]
	}
	return nil
}

// commitConfig mirrors the active Config into the shape internal/commit
// expects.
func (r *Repository) commitConfig() commit.Config {
	return commit.Config{
		Precision:           r.cfg.Precision,
		DaysPerFile:         r.cfg.DaysPerFile,
		MinRowsPerFileBlock: r.cfg.MinRowsPerFileBlock,
		MaxRowsPerFileBlock: r.cfg.MaxRowsPerFileBlock,
		DataBlockAlgorithm:  compression.ZstdCompression,
		LastBlockAlgorithm:  compression.LZ4Compression,
	}
}

// TriggerCommit freezes every table's active memtable and the cache's
// active generation under the repository mutex, then runs the commit
// pipeline on a background goroutine. The freeze happens entirely while
// the mutex is held. Returns ErrCommitInProgress if a commit is already
// in flight.
func (r *Repository) TriggerCommit() error {
	r.mu.Lock()
	if r.state != stateActive {
		r.mu.Unlock()
		return ErrRepoClosed
	}
	if r.commitInProgress {
		r.mu.Unlock()
		return ErrCommitInProgress
	}
	r.commitInProgress = true
	r.cache.Freeze()
	r.meta.ForEach(func(h *meta.TableHandle) { h.Freeze() })
	r.wg.Add(1)
	go r.runCommit()
	r.mu.Unlock()
	return nil
}

func (r *Repository) runCommit() {
	defer r.wg.Done()

	p := commit.New(r.dir, r.meta, r.commitConfig(), r.logger)
	if err := p.Run(); err != nil {
		r.logger.Errorf("%scommit failed: %v", logging.NSCommit, err)
	} else {
		r.logger.Infof("%scommit finished", logging.NSCommit)
	}

	r.mu.Lock()
	r.cache.Reclaim()
	r.meta.ForEach(func(h *meta.TableHandle) { h.ClearImem() })
	r.commitInProgress = false
	r.mu.Unlock()
}

// Vacuum drops every file group whose partition fully precedes the
// retention window (`keep` days before now), an explicit opt-in sweep
// never run implicitly.
func (r *Repository) Vacuum(now int64) error {
	r.mu.Lock()
	cfg := r.cfg
	fids := r.dir.FIDs()
	r.mu.Unlock()

	upd, err := cfg.Precision.UnitsPerDay()
	if err != nil {
		return err
	}
	cutoff := now - int64(cfg.Keep)*upd

	for _, fid := range fids {
		_, maxKey, err := tsunit.Window(fid, cfg.DaysPerFile, cfg.Precision)
		if err != nil {
			return err
		}
		if maxKey < cutoff {
			if err := r.dir.Remove(fid); err != nil {
				return fmt.Errorf("%w: %v", ErrIOFailure, err)
			}
		}
	}
	return nil
}

func translateMetaErr(err error) error {
	switch err {
	case nil:
		return nil
	case meta.ErrTableUnknown:
		return ErrTableUnknown
	case meta.ErrTableUIDMismatch:
		return ErrTableUIDMismatch
	case meta.ErrOutOfBounds:
		return ErrOutOfBounds
	case meta.ErrTableExists:
		return fmt.Errorf("%w: table already exists", ErrOutOfBounds)
	default:
		return err
	}
}
