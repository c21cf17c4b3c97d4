package smithy

import (
	"io/fs"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// SmithyFS mounts a single region file as a flat directory of chunk files.
// It implements fuse.RawFileSystem directly rather than the higher-level
// nodefs/fs wrapper, because the inode lookup-count and garbage-collection
// bookkeeping spec.md requires is owned explicitly by InodeTable, not
// delegated to a library-managed inode tree.
//
// Dispatch is single-threaded and cooperative: Mount runs the go-fuse server
// in single-threaded mode, so requests are handled one at a time and
// SmithyFS's own fields need no locking. The one exception is the notifier, reachable from Unlink and
// from any future out-of-band invalidation source, which guards itself.
type SmithyFS struct {
	fuse.RawFileSystem

	guard    *GuardedFile
	region   *RegionFile
	inodes   *InodeTable
	notifier *notifier
	writable bool

	existing map[coord]bool
	deleted  map[coord]bool

	server *fuse.Server
}

// regularFileMode is the mode reported for every chunk/selector file: 0644
// on a writable mount, 0444 on a read-only one, per spec.md's "files 0o444
// or 0o644 respectively".
func (s *SmithyFS) regularFileMode() uint32 {
	if s.writable {
		return ModeToUnix(fs.FileMode(0644))
	}
	return ModeToUnix(fs.FileMode(0444))
}

// rootDirMode is the mode reported for the mount root: 0755 writable, 0555
// read-only, per spec.md's "root 0o555 (ro) or 0o755 (rw)".
func (s *SmithyFS) rootDirMode() uint32 {
	if s.writable {
		return ModeToUnix(fs.ModeDir | 0755)
	}
	return ModeToUnix(fs.ModeDir | 0555)
}

// NewSmithyFS parses the region file backing guard and builds a filesystem
// ready to be mounted. The region is parsed once, eagerly, at construction;
// individual chunk inodes are created lazily as the kernel looks them up.
// writable controls both the reported file/directory modes and whether
// mutating operations are permitted at all.
func NewSmithyFS(guard *GuardedFile, writable bool) (*SmithyFS, error) {
	raw, err := guard.ReadAll()
	if err != nil {
		return nil, err
	}
	region, err := ParseRegion(raw)
	if err != nil {
		return nil, err
	}

	existing := make(map[coord]bool)
	for _, xz := range region.ExistingChunks() {
		existing[coord{xz[0], xz[1]}] = true
	}

	sfs := &SmithyFS{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		guard:         guard,
		region:        region,
		inodes:        NewInodeTable(),
		writable:      writable,
		existing:      existing,
		deleted:       make(map[coord]bool),
	}
	sfs.notifier = newNotifier(sfs.invalidateEntry)
	return sfs, nil
}

func (s *SmithyFS) invalidateEntry(parent uint64, name string) {
	if s.server != nil {
		s.server.EntryNotify(parent, name)
	}
}

func (s *SmithyFS) String() string { return "smithy" }

func (s *SmithyFS) SetDebug(dbg bool) {}

func (s *SmithyFS) Init(server *fuse.Server) {
	s.server = server
}

func (s *SmithyFS) chunkLive(c coord) bool {
	if s.deleted[c] {
		return false
	}
	if _, ok := s.inodes.LookupPair(c.X, c.Z); ok {
		return true
	}
	return s.existing[c]
}

// resolve returns the ino pair for c, allocating it from the region's
// stored payload the first time it is asked for.
func (s *SmithyFS) resolve(c coord) (InoPair, bool) {
	if pair, ok := s.inodes.LookupPair(c.X, c.Z); ok {
		return pair, true
	}
	if !s.chunkLive(c) {
		return InoPair{}, false
	}
	data, codec, mtime, ok := s.region.Lookup(c.X, c.Z)
	if !ok {
		return InoPair{}, false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return s.inodes.AllocatePair(c.X, c.Z, buf, codec, mtime), true
}

func (s *SmithyFS) fillAttr(node *Inode, attr *fuse.Attr) {
	attr.Ino = node.Ino
	attr.Size = uint64(len(node.Data))
	attr.Blocks = (attr.Size + 511) / 512
	attr.Mode = s.regularFileMode()
	attr.Nlink = 1
	attr.Mtime = uint64(node.Mtime)
	attr.Atime = uint64(node.Mtime)
	attr.Ctime = uint64(node.Mtime)
}

func (s *SmithyFS) fillRootAttr(attr *fuse.Attr) {
	attr.Ino = FuseRootID
	attr.Mode = s.rootDirMode()
	attr.Nlink = 2
	now := uint64(time.Now().Unix())
	attr.Mtime, attr.Atime, attr.Ctime = now, now, now
}

// Lookup resolves name (must be a valid "x<X>z<Z>.nbt"/".cmp" name) within
// the mount root. There are no subdirectories, so any parent other than the
// root fails with ENOENT.
func (s *SmithyFS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	if header.NodeId != FuseRootID {
		return fuse.ENOENT
	}
	x, z, kind, ok := ParseName(name)
	if !ok {
		return fuse.ENOENT
	}
	pair, ok := s.resolve(coord{x, z})
	if !ok {
		return fuse.ENOENT
	}

	var ino uint64
	switch kind {
	case KindChunk:
		ino = pair.ChunkIno
	case KindCompressionInfo:
		ino = pair.InfoIno
	}
	node, ok := s.inodes.Lookup(ino)
	if !ok {
		return fuse.ENOENT
	}
	s.inodes.IncLookup(ino)

	out.NodeId = ino
	s.fillAttr(node, &out.Attr)
	out.SetEntryTimeout(time.Second)
	out.SetAttrTimeout(time.Second)
	return fuse.OK
}

func (s *SmithyFS) Forget(nodeid, nlookup uint64) {
	if nodeid == FuseRootID {
		return
	}
	s.inodes.Forget(nodeid, nlookup)
}

func (s *SmithyFS) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	if input.NodeId == FuseRootID {
		s.fillRootAttr(&out.Attr)
		out.SetTimeout(time.Second)
		return fuse.OK
	}
	node, ok := s.inodes.Lookup(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	s.fillAttr(node, &out.Attr)
	out.SetTimeout(time.Second)
	return fuse.OK
}

func (s *SmithyFS) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	node, ok := s.inodes.Lookup(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}

	if input.Valid&fuse.FATTR_SIZE != 0 {
		if !s.writable {
			return fuse.Status(syscall.EROFS)
		}
		if input.Valid&fuse.FATTR_FH != 0 {
			if _, write, ok := s.inodes.HandlePerm(input.NodeId, input.Fh); !ok || !write {
				return fuse.EACCES
			}
		}
		if node.Kind == KindChunkFile && input.Size >= uint64(MaxChunkLen) {
			return fuse.Status(syscall.EFBIG)
		}
		s.resizeData(node, int(input.Size))
	}

	s.fillAttr(node, &out.Attr)
	out.SetTimeout(time.Second)
	return fuse.OK
}

func (s *SmithyFS) resizeData(node *Inode, size int) {
	if size == len(node.Data) {
		return
	}
	if size < len(node.Data) {
		node.Data = node.Data[:size]
		return
	}
	grown := make([]byte, size)
	copy(grown, node.Data)
	node.Data = grown
}

// Mknod creates a brand-new chunk coordinate. Only the ".nbt" name may be
// mknod'd directly; its paired ".cmp" file comes into existence with it,
// defaulting to zlib, the most common Anvil compression.
func (s *SmithyFS) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	if input.NodeId != FuseRootID {
		return fuse.ENOENT
	}
	if !s.writable {
		return fuse.Status(syscall.EROFS)
	}
	x, z, kind, ok := ParseName(name)
	if !ok {
		return fuse.EINVAL
	}
	if kind != KindChunk {
		return fuse.EPERM
	}
	c := coord{x, z}
	if s.chunkLive(c) {
		return fuse.EEXIST
	}

	delete(s.deleted, c)
	pair := s.inodes.AllocatePair(x, z, nil, Zlib, uint32(time.Now().Unix()))
	s.existing[c] = true

	node, _ := s.inodes.Lookup(pair.ChunkIno)
	s.inodes.IncLookup(pair.ChunkIno)

	out.NodeId = pair.ChunkIno
	s.fillAttr(node, &out.Attr)
	out.SetEntryTimeout(time.Second)
	out.SetAttrTimeout(time.Second)
	return fuse.OK
}

// Unlink removes a chunk coordinate entirely: both the ".nbt" and ".cmp"
// views disappear together, since they describe the same chunk.
func (s *SmithyFS) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	if header.NodeId != FuseRootID {
		return fuse.ENOENT
	}
	if !s.writable {
		return fuse.Status(syscall.EROFS)
	}
	x, z, kind, ok := ParseName(name)
	if !ok {
		return fuse.ENOENT
	}
	if kind != KindChunk {
		return fuse.EACCES
	}
	c := coord{x, z}
	if !s.chunkLive(c) {
		return fuse.ENOENT
	}

	s.inodes.Unlink(x, z)
	delete(s.existing, c)
	s.deleted[c] = true

	if !s.notifier.tryNotify(header.NodeId, name) {
		log.Printf("smithy: notifier busy, skipping invalidation of %s", name)
	}
	return fuse.OK
}

// Open derives (read, write) from the low bits of input.Flags (O_ACCMODE)
// and records them on the new handle, so Read/Write can enforce them later.
// O_RDONLY combined with O_TRUNC is rejected outright (a reader has no
// business truncating), and any write intent against a read-only mount is
// rejected before a handle is ever allocated.
func (s *SmithyFS) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	accMode := input.Flags & syscall.O_ACCMODE
	var read, write bool
	switch accMode {
	case syscall.O_RDONLY:
		read = true
	case syscall.O_WRONLY:
		write = true
	case syscall.O_RDWR:
		read, write = true, true
	default:
		return fuse.EINVAL
	}
	if accMode == syscall.O_RDONLY && input.Flags&syscall.O_TRUNC != 0 {
		return fuse.EACCES
	}
	if write && !s.writable {
		return fuse.Status(syscall.EROFS)
	}

	handle, ok := s.inodes.OpenHandle(input.NodeId, read, write)
	if !ok {
		return fuse.ENOENT
	}
	out.Fh = handle
	return fuse.OK
}

func (s *SmithyFS) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	node, ok := s.inodes.Lookup(input.NodeId)
	if !ok {
		return nil, fuse.ENOENT
	}
	if read, _, ok := s.inodes.HandlePerm(input.NodeId, input.Fh); !ok || !read {
		return nil, fuse.EACCES
	}

	off := int(input.Offset)
	if off >= len(node.Data) {
		return fuse.ReadResultData(nil), fuse.OK
	}
	end := off + len(buf)
	if end > len(node.Data) {
		end = len(node.Data)
	}
	return fuse.ReadResultData(node.Data[off:end]), fuse.OK
}

// Write grows the inode's owned in-memory buffer as needed and copies data
// in at the given offset. For a ".cmp" file, the incoming bytes must parse
// as a selector string at offset 0 before anything is mutated — a failed
// parse leaves the inode's data exactly as it was and reports EINVAL,
// matching the "no observable state change after a failed operation"
// invariant.
func (s *SmithyFS) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	if !s.writable {
		return 0, fuse.Status(syscall.EROFS)
	}
	node, ok := s.inodes.Lookup(input.NodeId)
	if !ok {
		return 0, fuse.ENOENT
	}
	if _, write, ok := s.inodes.HandlePerm(input.NodeId, input.Fh); !ok || !write {
		return 0, fuse.EACCES
	}

	off := int(input.Offset)

	if node.Kind == KindInfoFile {
		if off != 0 {
			return 0, fuse.EINVAL
		}
		codec, ok := ParseSelectorString(string(data))
		if !ok {
			return 0, fuse.EINVAL
		}
		s.applySelectorWrite(node, codec)
		return uint32(len(data)), fuse.OK
	}

	need := off + len(data)
	if need >= MaxChunkLen {
		return 0, fuse.Status(syscall.EFBIG)
	}
	if need > len(node.Data) {
		grown := make([]byte, need)
		copy(grown, node.Data)
		node.Data = grown
	}
	copy(node.Data[off:], data)
	return uint32(len(data)), fuse.OK
}

// applySelectorWrite commits an already-validated codec to both the info
// inode and its sibling chunk inode's Codec field.
func (s *SmithyFS) applySelectorWrite(infoNode *Inode, codec CompressionType) {
	pair, ok := s.inodes.LookupPair(infoNode.X, infoNode.Z)
	if !ok {
		return
	}
	if chunkNode, ok := s.inodes.Lookup(pair.ChunkIno); ok {
		chunkNode.Codec = codec
	}
	infoNode.Codec = codec
	infoNode.Data = []byte(MakeSelectorString(codec))
}

func (s *SmithyFS) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	s.inodes.CloseHandle(input.NodeId, input.Fh)
}

func (s *SmithyFS) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	if input.NodeId != FuseRootID {
		return fuse.ENOTDIR
	}
	return fuse.OK
}

func (s *SmithyFS) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	if input.NodeId != FuseRootID {
		return fuse.ENOTDIR
	}

	entries := s.sortedLiveCoords()
	pos := uint64(0)

	add := func(name string, ino uint64, mode uint32) bool {
		pos++
		if pos <= input.Offset {
			return true
		}
		return out.Add(pos, name, ino, mode)
	}

	dirMode := s.rootDirMode()
	fileMode := s.regularFileMode()

	if !add(".", FuseRootID, dirMode) {
		return fuse.OK
	}
	if !add("..", FuseRootID, dirMode) {
		return fuse.OK
	}

	for _, c := range entries {
		pair, ok := s.resolve(c)
		if !ok {
			continue
		}
		if !add(FormatName(c.X, c.Z, KindChunk), pair.ChunkIno, fileMode) {
			return fuse.OK
		}
		if !add(FormatName(c.X, c.Z, KindCompressionInfo), pair.InfoIno, fileMode) {
			return fuse.OK
		}
	}
	return fuse.OK
}

func (s *SmithyFS) sortedLiveCoords() []coord {
	out := make([]coord, 0, len(s.existing))
	for c := range s.existing {
		out = append(out, c)
	}
	// stable slot order, matching how the region itself enumerates chunks
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && slotIndex(out[j-1].X, out[j-1].Z) > slotIndex(out[j].X, out[j].Z); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func (s *SmithyFS) ReleaseDir(input *fuse.ReleaseIn) {}

// Flush persists every linked chunk inode back into the region engine and
// serializes the region to the guarded backing file. Per the chosen
// "persist on unmount" policy, this is the only point after construction
// at which the region engine's own Write/Delete/Serialize are invoked.
func (s *SmithyFS) Flush() error {
	now := time.Now()
	for c := range s.deleted {
		s.region.Delete(c.X, c.Z, now)
	}

	for _, node := range s.inodes.Live() {
		if node.Kind != KindChunkFile || !node.linked {
			continue
		}
		if err := s.region.Write(node.X, node.Z, node.Data, node.Codec, node.Mtime); err != nil {
			log.Printf("smithy: dropping chunk x%dz%d on flush: %s", node.X, node.Z, err)
		}
	}

	return s.guard.Flush(func(f *os.File) error {
		return s.region.Serialize(f, false)
	})
}
