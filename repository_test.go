package tsdb

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/aalhour/tsdbengine/internal/logging"
	"github.com/aalhour/tsdbengine/internal/meta"
	"github.com/aalhour/tsdbengine/internal/schema"
	"github.com/aalhour/tsdbengine/internal/tsunit"
	"github.com/aalhour/tsdbengine/internal/vfs"
)

func sensorSchema() *schema.Schema {
	return &schema.Schema{Columns: []schema.Column{
		{ID: 0, Name: "ts", Type: schema.ColTimestamp},
		{ID: 1, Name: "reading", Type: schema.ColInt64},
	}}
}

func encodeReading(s *schema.Schema, ts, v int64) []byte {
	var vb [8]byte
	binary.LittleEndian.PutUint64(vb[:], uint64(v))
	return schema.Encode(s, &schema.Row{Timestamp: ts, Values: [][]byte{vb[:]}})
}

// buildInsertMessage packs one submit block of rows for (uid, tid) into
// the big-endian submit wire format.
func buildInsertMessage(s *schema.Schema, uid uint64, tid int32, rows [][2]int64) []byte {
	var data []byte
	for _, r := range rows {
		data = append(data, encodeReading(s, r[0], r[1])...)
	}
	hdr := make([]byte, submitBlockHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(data)))
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(rows)))
	binary.BigEndian.PutUint64(hdr[6:14], uid)
	binary.BigEndian.PutUint32(hdr[14:18], uint32(tid))
	binary.BigEndian.PutUint32(hdr[18:22], s.SVersion)

	msg := make([]byte, submitHeaderSize+len(hdr)+len(data))
	binary.BigEndian.PutUint32(msg[4:8], 1)
	copy(msg[submitHeaderSize:], hdr)
	copy(msg[submitHeaderSize+len(hdr):], data)
	binary.BigEndian.PutUint32(msg[0:4], uint32(len(msg)))
	return msg
}

func testRepoConfig() Config {
	cfg := DefaultConfig()
	cfg.DaysPerFile = 1
	cfg.MinRowsPerFileBlock = 10
	cfg.MaxRowsPerFileBlock = 200
	return cfg
}

// Single-table insert and commit produces a
// tail block.
func TestScenarioS1_InsertAndCommit(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	r, err := Create(fs, dir, testRepoConfig(), logging.Discard)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Close()

	sc := sensorSchema()
	if err := r.CreateTable(meta.Config{UID: 42, TID: 0, Schema: sc}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	msg := buildInsertMessage(sc, 42, 0, [][2]int64{{1, 10}, {2, 20}, {3, 30}})
	if err := r.Insert(msg); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.TriggerCommit(); err != nil {
		t.Fatalf("TriggerCommit: %v", err)
	}
	r.wg.Wait()

	group := r.dir.Find(0)
	if group == nil {
		t.Fatal("expected file group 0")
	}
	idx := group.IndexFor(0)
	if !idx.HasLast || idx.MaxKey != 3 {
		t.Fatalf("idx = %+v", idx)
	}
}

// A boundary-straddling pair of inserts lands
// in two distinct file groups.
func TestScenarioS3_CrossPartitionWrite(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	cfg := testRepoConfig()
	cfg.Precision = tsunit.Milli
	r, err := Create(fs, dir, cfg, logging.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	sc := sensorSchema()
	if err := r.CreateTable(meta.Config{UID: 1, TID: 0, Schema: sc}); err != nil {
		t.Fatal(err)
	}
	msg := buildInsertMessage(sc, 1, 0, [][2]int64{{86_399_000, 1}, {86_400_000, 2}})
	if err := r.Insert(msg); err != nil {
		t.Fatal(err)
	}
	if err := r.TriggerCommit(); err != nil {
		t.Fatal(err)
	}
	r.wg.Wait()

	if r.dir.Find(0) == nil || r.dir.Find(1) == nil {
		t.Fatalf("expected file groups 0 and 1, have fids %v", r.dir.FIDs())
	}
}

// A second triggerCommit while one is in
// flight is rejected without side effects.
func TestScenarioS6_ConcurrentCommitRejected(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	r, err := Create(fs, dir, testRepoConfig(), logging.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	sc := sensorSchema()
	if err := r.CreateTable(meta.Config{UID: 1, TID: 0, Schema: sc}); err != nil {
		t.Fatal(err)
	}
	if err := r.Insert(buildInsertMessage(sc, 1, 0, [][2]int64{{1, 1}})); err != nil {
		t.Fatal(err)
	}
	if err := r.TriggerCommit(); err != nil {
		t.Fatalf("first TriggerCommit: %v", err)
	}
	if err := r.TriggerCommit(); !errors.Is(err, ErrCommitInProgress) {
		t.Fatalf("second TriggerCommit = %v, want ErrCommitInProgress", err)
	}
	r.wg.Wait()
}

// Hitting the cache cap fails the insert
// without closing the repository, and a commit drains the frozen
// generation so subsequent inserts resume.
func TestScenarioS5_CacheFullThenRecovers(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	cfg := testRepoConfig()
	cfg.MaxCacheSize = 4 << 20
	cfg.MaxRowsPerFileBlock = 10000 // keep the commit's block count low; this test's focus is CACHE_FULL, not block sizing
	r, err := Create(fs, dir, cfg, logging.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	sc := sensorSchema()
	if err := r.CreateTable(meta.Config{UID: 1, TID: 0, Schema: sc}); err != nil {
		t.Fatal(err)
	}

	var hitCacheFull bool
	for ts := int64(1); ts < 2_000_000; ts++ {
		err := r.Insert(buildInsertMessage(sc, 1, 0, [][2]int64{{ts, ts}}))
		if errors.Is(err, ErrCacheFull) {
			hitCacheFull = true
			break
		}
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if !hitCacheFull {
		t.Fatal("expected ErrCacheFull before exhausting the timestamp range")
	}
	if r.GetStatus().State != "ACTIVE" {
		t.Fatal("repository should remain ACTIVE after CACHE_FULL")
	}

	if err := r.TriggerCommit(); err != nil {
		t.Fatalf("TriggerCommit: %v", err)
	}
	r.wg.Wait()

	if err := r.Insert(buildInsertMessage(sc, 1, 0, [][2]int64{{10_000_000, 1}})); err != nil {
		t.Fatalf("Insert after commit drained the cache: %v", err)
	}
}

func TestInsertRejectsUnknownTable(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	r, err := Create(fs, dir, testRepoConfig(), logging.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	sc := sensorSchema()
	msg := buildInsertMessage(sc, 1, 0, [][2]int64{{1, 1}})
	if err := r.Insert(msg); !errors.Is(err, ErrTableUnknown) {
		t.Fatalf("Insert = %v, want ErrTableUnknown", err)
	}
}

func TestInsertRejectedAfterClose(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	r, err := Create(fs, dir, testRepoConfig(), logging.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Insert(buildInsertMessage(sensorSchema(), 1, 0, [][2]int64{{1, 1}})); !errors.Is(err, ErrRepoClosed) {
		t.Fatalf("Insert after Close = %v, want ErrRepoClosed", err)
	}
}

func TestOpenRecoversExistingFileGroups(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	cfg := testRepoConfig()
	r, err := Create(fs, dir, cfg, logging.Discard)
	if err != nil {
		t.Fatal(err)
	}
	sc := sensorSchema()
	if err := r.CreateTable(meta.Config{UID: 1, TID: 0, Schema: sc}); err != nil {
		t.Fatal(err)
	}
	if err := r.Insert(buildInsertMessage(sc, 1, 0, [][2]int64{{1, 1}, {2, 2}})); err != nil {
		t.Fatal(err)
	}
	if err := r.TriggerCommit(); err != nil {
		t.Fatal(err)
	}
	r.wg.Wait()
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(fs, dir, logging.Discard)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	if reopened.dir.Find(0) == nil {
		t.Fatal("expected file group 0 to survive reopen")
	}
}

// A stray .head.new temp file from a rewrite that never reached its
// rename is dropped on reopen, restoring the pre-commit state.
func TestOpenRemovesStrayHeadTempFile(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	cfg := testRepoConfig()
	r, err := Create(fs, dir, cfg, logging.Discard)
	if err != nil {
		t.Fatal(err)
	}
	sc := sensorSchema()
	if err := r.CreateTable(meta.Config{UID: 1, TID: 0, Schema: sc}); err != nil {
		t.Fatal(err)
	}
	if err := r.Insert(buildInsertMessage(sc, 1, 0, [][2]int64{{1, 1}})); err != nil {
		t.Fatal(err)
	}
	if err := r.TriggerCommit(); err != nil {
		t.Fatal(err)
	}
	r.wg.Wait()
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	strayName := "00000000000000000000.head.new"
	stray, err := fs.Create(dir + "/data/" + strayName)
	if err != nil {
		t.Fatal(err)
	}
	if err := stray.Append([]byte("partial rewrite")); err != nil {
		t.Fatal(err)
	}
	if err := stray.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(fs, dir, logging.Discard)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	if fs.Exists(dir + "/data/" + strayName) {
		t.Fatal("stray temp file should have been removed on Open")
	}
	if reopened.dir.Find(0) == nil {
		t.Fatal("live file group should survive temp-file cleanup")
	}
}

func TestVacuumDropsExpiredFileGroups(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	cfg := testRepoConfig()
	cfg.Keep = 1
	r, err := Create(fs, dir, cfg, logging.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	sc := sensorSchema()
	if err := r.CreateTable(meta.Config{UID: 1, TID: 0, Schema: sc}); err != nil {
		t.Fatal(err)
	}
	if err := r.Insert(buildInsertMessage(sc, 1, 0, [][2]int64{{1, 1}})); err != nil {
		t.Fatal(err)
	}
	if err := r.TriggerCommit(); err != nil {
		t.Fatal(err)
	}
	r.wg.Wait()

	now := time.Now().UnixMilli()
	if err := r.Vacuum(now); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	if r.dir.Find(0) != nil {
		t.Fatal("expected file group 0 to be vacuumed away")
	}
}
