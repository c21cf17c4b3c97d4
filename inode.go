package smithy

import (
	"log"
	"sync"
)

// FuseRootID is the fixed inode number FUSE reserves for the mount root.
const FuseRootID = 1

// InodeKind distinguishes the two inodes a chunk coordinate pair owns.
type InodeKind uint8

const (
	// KindChunkFile backs the opaque "x<X>z<Z>.nbt" payload file.
	KindChunkFile InodeKind = iota
	// KindInfoFile backs the textual "x<X>z<Z>.cmp" selector file.
	KindInfoFile
)

// InoPair is the two FUSE inode numbers allocated together for one chunk
// coordinate: chunk_ino is always even, info_ino is chunk_ino+1.
type InoPair struct {
	ChunkIno uint64
	InfoIno  uint64
}

// coord is a chunk's (x, z) position, used as a map key.
type coord struct {
	X, Z uint8
}

// Inode is the table's per-ino bookkeeping record. Data holds the file's
// current in-memory content: raw chunk bytes for a KindChunkFile inode, the
// rendered selector text for a KindInfoFile inode. The region engine itself
// is only consulted when a coordinate's inodes are first created and, per
// the chosen flush policy, when the filesystem is unmounted — all reads and
// writes during a live mount go directly against this buffer.
type Inode struct {
	Ino   uint64
	Kind  InodeKind
	X, Z  uint8
	Data  []byte
	Codec CompressionType
	Mtime uint32

	nlookup     uint64
	linked      bool
	openHandles map[uint64]handlePerm
}

// handlePerm records the access direction a file handle was opened with,
// derived from O_ACCMODE at open time. Read/Write consult this before
// touching an inode's data, matching the original engine's per-handle
// FileHandle{perms}.
type handlePerm struct {
	read, write bool
}

// InodeTable owns every live inode, the coordinate<->ino-pair mapping, and
// file handle allocation. Per spec, FUSE dispatch is single-threaded and
// cooperative, so the table itself needs no internal locking; its counters
// and maps are only mutated from the single dispatch goroutine.
type InodeTable struct {
	nextIno    uint64
	nextHandle uint64

	byIno   map[uint64]*Inode
	byCoord map[coord]InoPair
}

// NewInodeTable returns an empty table. The first allocated pair is
// (2, 3): the smallest even ino strictly greater than FuseRootID.
func NewInodeTable() *InodeTable {
	return &InodeTable{
		nextIno: FuseRootID + 1,
		byIno:   make(map[uint64]*Inode),
		byCoord: make(map[coord]InoPair),
	}
}

func (t *InodeTable) nextEven() uint64 {
	ino := t.nextIno
	if ino%2 != 0 {
		ino++
	}
	return ino
}

// AllocatePair returns the ino pair for (x, z), allocating and registering
// two new Inode records the first time this coordinate is seen.
func (t *InodeTable) AllocatePair(x, z uint8, data []byte, codec CompressionType, mtime uint32) InoPair {
	c := coord{x, z}
	if pair, ok := t.byCoord[c]; ok {
		return pair
	}

	chunkIno := t.nextEven()
	infoIno := chunkIno + 1
	t.nextIno = infoIno + 1

	pair := InoPair{ChunkIno: chunkIno, InfoIno: infoIno}
	t.byCoord[c] = pair

	t.byIno[chunkIno] = &Inode{
		Ino:         chunkIno,
		Kind:        KindChunkFile,
		X:           x,
		Z:           z,
		Data:        data,
		Codec:       codec,
		Mtime:       mtime,
		linked:      true,
		openHandles: make(map[uint64]handlePerm),
	}
	t.byIno[infoIno] = &Inode{
		Ino:         infoIno,
		Kind:        KindInfoFile,
		X:           x,
		Z:           z,
		Data:        []byte(MakeSelectorString(codec)),
		Codec:       codec,
		Mtime:       mtime,
		linked:      true,
		openHandles: make(map[uint64]handlePerm),
	}

	return pair
}

// Lookup returns the inode for ino, if it is currently live.
func (t *InodeTable) Lookup(ino uint64) (*Inode, bool) {
	n, ok := t.byIno[ino]
	return n, ok
}

// LookupPair returns the ino pair registered for (x, z), if any.
func (t *InodeTable) LookupPair(x, z uint8) (InoPair, bool) {
	pair, ok := t.byCoord[coord{x, z}]
	return pair, ok
}

// IncLookup bumps an inode's FUSE lookup-count, as required on every
// successful reply to a lookup/mknod request that hands the kernel a new
// reference to this ino.
func (t *InodeTable) IncLookup(ino uint64) {
	if n, ok := t.byIno[ino]; ok {
		n.nlookup++
	}
}

// Forget decrements an inode's lookup-count by n and garbage collects it if
// it is now unreferenced. Matches the FUSE FORGET contract: the kernel may
// batch multiple lookups into a single forget with n > 1.
func (t *InodeTable) Forget(ino uint64, n uint64) {
	node, ok := t.byIno[ino]
	if !ok {
		return
	}
	if n > node.nlookup {
		log.Printf("smithy: forget(%d, %d) exceeds lookup count %d", ino, n, node.nlookup)
		node.nlookup = 0
	} else {
		node.nlookup -= n
	}
	t.maybeCollect(node)
}

// OpenHandle allocates a new file handle for ino, recording the access
// direction (derived by the caller from O_ACCMODE) the handle was opened
// with, and marks the inode open.
func (t *InodeTable) OpenHandle(ino uint64, read, write bool) (uint64, bool) {
	node, ok := t.byIno[ino]
	if !ok {
		return 0, false
	}
	t.nextHandle++
	h := t.nextHandle
	node.openHandles[h] = handlePerm{read: read, write: write}
	return h, true
}

// HandlePerm reports the access direction handle was opened with on ino.
// ok is false if either the inode or the handle is not currently live.
func (t *InodeTable) HandlePerm(ino, handle uint64) (read, write, ok bool) {
	node, found := t.byIno[ino]
	if !found {
		return false, false, false
	}
	p, found := node.openHandles[handle]
	if !found {
		return false, false, false
	}
	return p.read, p.write, true
}

// CloseHandle releases a previously allocated file handle and garbage
// collects the inode if it is now unreferenced.
func (t *InodeTable) CloseHandle(ino, handle uint64) {
	node, ok := t.byIno[ino]
	if !ok {
		return
	}
	delete(node.openHandles, handle)
	t.maybeCollect(node)
}

// Unlink marks both inodes of the coordinate pair (x, z) as unlinked from
// the directory namespace and attempts to collect them. A pair with
// outstanding lookups or open handles survives until those drain, per the
// usual Unix unlink-while-open semantics.
func (t *InodeTable) Unlink(x, z uint8) {
	pair, ok := t.byCoord[coord{x, z}]
	if !ok {
		return
	}
	delete(t.byCoord, coord{x, z})

	for _, ino := range [2]uint64{pair.ChunkIno, pair.InfoIno} {
		if node, ok := t.byIno[ino]; ok {
			node.linked = false
			t.maybeCollect(node)
		}
	}
}

// maybeCollect removes node from the table once it is unlinked, has no
// outstanding kernel lookups, and has no open file handles.
func (t *InodeTable) maybeCollect(node *Inode) {
	if !node.linked && node.nlookup == 0 && len(node.openHandles) == 0 {
		delete(t.byIno, node.Ino)
	}
}

// Live returns every inode currently in the table, chunk inodes and their
// paired info inodes together, for use when flushing to the region engine.
func (t *InodeTable) Live() []*Inode {
	out := make([]*Inode, 0, len(t.byIno))
	for _, n := range t.byIno {
		out = append(out, n)
	}
	return out
}

// notifier guards the single kernel-invalidation handle shared across the
// cooperative dispatch loop and the unlink path, which may run from a
// different goroutine (e.g. a directory watcher). Unlink uses TryLock so a
// busy notifier never blocks the unlink itself; the invalidation is simply
// skipped; the kernel's own dentry cache will eventually age it out.
type notifier struct {
	mu     sync.Mutex
	notify func(parent uint64, name string)
}

func newNotifier(fn func(parent uint64, name string)) *notifier {
	return &notifier{notify: fn}
}

func (n *notifier) tryNotify(parent uint64, name string) bool {
	if !n.mu.TryLock() {
		return false
	}
	defer n.mu.Unlock()
	if n.notify != nil {
		n.notify(parent, name)
	}
	return true
}
