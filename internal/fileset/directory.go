package fileset

import (
	"sort"
	"sync"

	"github.com/aalhour/tsdbengine/internal/vfs"
)

// Directory is the sorted, in-memory registry of a repository's file
// groups, keyed by partition id (fid): a single authoritative list of
// live on-disk state guarded by one mutex.
type Directory struct {
	mu        sync.RWMutex
	fs        vfs.FS
	dir       string
	maxTables int
	groups    []*Group // sorted ascending by FID
}

// NewDirectory creates an empty directory rooted at dir.
func NewDirectory(fs vfs.FS, dir string, maxTables int) *Directory {
	return &Directory{fs: fs, dir: dir, maxTables: maxTables}
}

// Find returns the file group covering fid, or nil if none exists.
func (d *Directory) Find(fid int64) *Group {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := d.search(fid)
	if i < len(d.groups) && d.groups[i].FID() == fid {
		return d.groups[i]
	}
	return nil
}

// search returns the index of the first group with FID >= fid.
func (d *Directory) search(fid int64) int {
	return sort.Search(len(d.groups), func(i int) bool { return d.groups[i].FID() >= fid })
}

// CreateGroup creates a new, empty file group for fid and inserts it
// into the directory in sorted order. Returns ErrOutOfBounds if a group
// for fid already exists.
func (d *Directory) CreateGroup(fid int64) (*Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.search(fid)
	if i < len(d.groups) && d.groups[i].FID() == fid {
		return nil, ErrOutOfBounds
	}

	g, err := Create(d.fs, d.dir, fid, d.maxTables)
	if err != nil {
		return nil, err
	}
	d.groups = append(d.groups, nil)
	copy(d.groups[i+1:], d.groups[i:])
	d.groups[i] = g
	return g, nil
}

// OpenAll opens the file group for each of the given fids and loads it
// into the directory in sorted order, used during repository open /
// crash recovery. It does not scan dir itself; the caller supplies the
// fids.
func (d *Directory) OpenAll(fids []int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sorted := append([]int64(nil), fids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	groups := make([]*Group, 0, len(sorted))
	for _, fid := range sorted {
		g, err := Open(d.fs, d.dir, fid, d.maxTables)
		if err != nil {
			return err
		}
		groups = append(groups, g)
	}
	d.groups = groups
	return nil
}

// Remove deletes fid's group from the directory and its backing files,
// used by retention/vacuum sweeps.
func (d *Directory) Remove(fid int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.search(fid)
	if i >= len(d.groups) || d.groups[i].FID() != fid {
		return ErrOutOfBounds
	}
	d.groups = append(d.groups[:i], d.groups[i+1:]...)

	for _, name := range []string{headName(d.dir, fid), dataName(d.dir, fid), lastName(d.dir, fid)} {
		if err := d.fs.Remove(name); err != nil && !isNotExist(d.fs, name) {
			return err
		}
	}
	return nil
}

func isNotExist(fs vfs.FS, name string) bool {
	return !fs.Exists(name)
}

// FIDs returns every partition id currently registered, ascending.
func (d *Directory) FIDs() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]int64, len(d.groups))
	for i, g := range d.groups {
		out[i] = g.FID()
	}
	return out
}

// Latest returns the highest-fid group, or nil if the directory is empty.
func (d *Directory) Latest() *Group {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.groups) == 0 {
		return nil
	}
	return d.groups[len(d.groups)-1]
}

// Len returns the number of registered file groups.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.groups)
}
