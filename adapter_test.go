package smithy_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/technosam/smithy"
)

func newTestRegionPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "region.mca")
	if err := os.WriteFile(path, make([]byte, smithy.HeaderLen), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestFS(t *testing.T, path string, writable bool) *smithy.SmithyFS {
	t.Helper()
	guard, err := smithy.OpenGuardedFile(path, writable)
	if err != nil {
		t.Fatalf("OpenGuardedFile: %s", err)
	}
	t.Cleanup(func() { guard.Close() })
	fs, err := smithy.NewSmithyFS(guard, writable)
	if err != nil {
		t.Fatalf("NewSmithyFS: %s", err)
	}
	return fs
}

func mknod(t *testing.T, fs *smithy.SmithyFS, name string) uint64 {
	t.Helper()
	in := &fuse.MknodIn{
		InHeader: fuse.InHeader{NodeId: smithy.FuseRootID},
		Mode:     smithy.S_IFREG | 0644,
	}
	out := &fuse.EntryOut{}
	status := fs.Mknod(nil, in, name, out)
	if status != fuse.OK {
		t.Fatalf("Mknod(%q) = %v, want OK", name, status)
	}
	return out.NodeId
}

func lookup(t *testing.T, fs *smithy.SmithyFS, name string) uint64 {
	t.Helper()
	out := &fuse.EntryOut{}
	status := fs.Lookup(nil, &fuse.InHeader{NodeId: smithy.FuseRootID}, name, out)
	if status != fuse.OK {
		t.Fatalf("Lookup(%q) = %v, want OK", name, status)
	}
	return out.NodeId
}

func openHandle(t *testing.T, fs *smithy.SmithyFS, ino uint64, flags uint32) (uint64, fuse.Status) {
	t.Helper()
	in := &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: ino}, Flags: flags}
	out := &fuse.OpenOut{}
	status := fs.Open(nil, in, out)
	return out.Fh, status
}

func TestWriteRejectedOnReadOnlyMount(t *testing.T) {
	path := newTestRegionPath(t)
	fs := newTestFS(t, path, false)

	in := &fuse.WriteIn{InHeader: fuse.InHeader{NodeId: smithy.FuseRootID}}
	_, status := fs.Write(nil, in, []byte("x"))
	if status != fuse.Status(syscall.EROFS) {
		t.Errorf("Write on read-only mount = %v, want EROFS", status)
	}
}

func TestMknodRejectedOnReadOnlyMount(t *testing.T) {
	path := newTestRegionPath(t)
	fs := newTestFS(t, path, false)

	in := &fuse.MknodIn{
		InHeader: fuse.InHeader{NodeId: smithy.FuseRootID},
		Mode:     smithy.S_IFREG | 0644,
	}
	out := &fuse.EntryOut{}
	status := fs.Mknod(nil, in, "x1z1.nbt", out)
	if status != fuse.Status(syscall.EROFS) {
		t.Errorf("Mknod on read-only mount = %v, want EROFS", status)
	}
}

func TestUnlinkRejectsDirectCompressionInfoTarget(t *testing.T) {
	path := newTestRegionPath(t)
	fs := newTestFS(t, path, true)
	mknod(t, fs, "x2z2.nbt")

	header := &fuse.InHeader{NodeId: smithy.FuseRootID}
	status := fs.Unlink(nil, header, "x2z2.cmp")
	if status != fuse.EACCES {
		t.Errorf("Unlink(.cmp) = %v, want EACCES", status)
	}

	status = fs.Unlink(nil, header, "x2z2.nbt")
	if status != fuse.OK {
		t.Errorf("Unlink(.nbt) = %v, want OK", status)
	}
}

func TestUnlinkRejectedOnReadOnlyMount(t *testing.T) {
	path := newTestRegionPath(t)
	fs := newTestFS(t, path, false)

	status := fs.Unlink(nil, &fuse.InHeader{NodeId: smithy.FuseRootID}, "x0z0.nbt")
	if status != fuse.Status(syscall.EROFS) {
		t.Errorf("Unlink on read-only mount = %v, want EROFS", status)
	}
}

func TestOpenRejectsReadOnlyTruncate(t *testing.T) {
	path := newTestRegionPath(t)
	fs := newTestFS(t, path, true)
	ino := mknod(t, fs, "x3z3.nbt")

	_, status := openHandle(t, fs, ino, syscall.O_RDONLY|syscall.O_TRUNC)
	if status != fuse.EACCES {
		t.Errorf("Open(O_RDONLY|O_TRUNC) = %v, want EACCES", status)
	}
}

func TestOpenRejectsWriteIntentOnReadOnlyMount(t *testing.T) {
	path := newTestRegionPath(t)
	writer := newTestFS(t, path, true)
	wino := mknod(t, writer, "x4z4.nbt")
	// an empty chunk is stored with a payload length of 1, which ParseRegion
	// treats as invalid, so give it a payload before flushing
	wfh, wstatus := openHandle(t, writer, wino, syscall.O_RDWR)
	if wstatus != fuse.OK {
		t.Fatalf("Open(O_RDWR) = %v, want OK", wstatus)
	}
	if _, wstatus = writer.Write(nil, &fuse.WriteIn{InHeader: fuse.InHeader{NodeId: wino}, Fh: wfh}, []byte("x")); wstatus != fuse.OK {
		t.Fatalf("Write = %v, want OK", wstatus)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("Flush: %s", err)
	}

	ro := newTestFS(t, path, false)
	ino := lookup(t, ro, "x4z4.nbt")

	_, status := openHandle(t, ro, ino, syscall.O_WRONLY)
	if status != fuse.Status(syscall.EROFS) {
		t.Errorf("Open(O_WRONLY) on read-only mount = %v, want EROFS", status)
	}
}

func TestReadRequiresReadableHandle(t *testing.T) {
	path := newTestRegionPath(t)
	fs := newTestFS(t, path, true)
	ino := mknod(t, fs, "x5z5.nbt")

	fh, status := openHandle(t, fs, ino, syscall.O_WRONLY)
	if status != fuse.OK {
		t.Fatalf("Open(O_WRONLY) = %v, want OK", status)
	}

	readIn := &fuse.ReadIn{InHeader: fuse.InHeader{NodeId: ino}, Fh: fh}
	_, rstatus := fs.Read(nil, readIn, make([]byte, 16))
	if rstatus != fuse.EACCES {
		t.Errorf("Read through a write-only handle = %v, want EACCES", rstatus)
	}
}

func TestWriteRequiresWritableHandle(t *testing.T) {
	path := newTestRegionPath(t)
	fs := newTestFS(t, path, true)
	ino := mknod(t, fs, "x6z6.nbt")

	fh, status := openHandle(t, fs, ino, syscall.O_RDONLY)
	if status != fuse.OK {
		t.Fatalf("Open(O_RDONLY) = %v, want OK", status)
	}

	writeIn := &fuse.WriteIn{InHeader: fuse.InHeader{NodeId: ino}, Fh: fh}
	_, wstatus := fs.Write(nil, writeIn, []byte("data"))
	if wstatus != fuse.EACCES {
		t.Errorf("Write through a read-only handle = %v, want EACCES", wstatus)
	}
}

func TestWriteRejectsOversizeChunk(t *testing.T) {
	path := newTestRegionPath(t)
	fs := newTestFS(t, path, true)
	ino := mknod(t, fs, "x7z7.nbt")
	fh, status := openHandle(t, fs, ino, syscall.O_RDWR)
	if status != fuse.OK {
		t.Fatalf("Open(O_RDWR) = %v, want OK", status)
	}

	huge := make([]byte, smithy.MaxChunkLen)
	writeIn := &fuse.WriteIn{InHeader: fuse.InHeader{NodeId: ino}, Fh: fh}
	_, wstatus := fs.Write(nil, writeIn, huge)
	if wstatus != fuse.Status(syscall.EFBIG) {
		t.Errorf("oversize Write = %v, want EFBIG", wstatus)
	}
}

func TestSelectorWriteValidatesBeforeMutating(t *testing.T) {
	path := newTestRegionPath(t)
	fs := newTestFS(t, path, true)
	mknod(t, fs, "x8z8.nbt")
	infoIno := lookup(t, fs, "x8z8.cmp")

	fh, status := openHandle(t, fs, infoIno, syscall.O_RDWR)
	if status != fuse.OK {
		t.Fatalf("Open(.cmp) = %v, want OK", status)
	}

	readIn := &fuse.ReadIn{InHeader: fuse.InHeader{NodeId: infoIno}, Fh: fh}
	beforeResult, rstatus := fs.Read(nil, readIn, make([]byte, 64))
	if rstatus != fuse.OK {
		t.Fatalf("Read(.cmp) = %v, want OK", rstatus)
	}
	beforeBytes, _ := beforeResult.Bytes(make([]byte, 64))
	before := string(beforeBytes)

	writeIn := &fuse.WriteIn{InHeader: fuse.InHeader{NodeId: infoIno}, Fh: fh}
	_, wstatus := fs.Write(nil, writeIn, []byte("not a valid selector"))
	if wstatus != fuse.EINVAL {
		t.Fatalf("Write(bad selector) = %v, want EINVAL", wstatus)
	}

	afterResult, rstatus := fs.Read(nil, readIn, make([]byte, 64))
	if rstatus != fuse.OK {
		t.Fatalf("Read(.cmp) after rejected write = %v, want OK", rstatus)
	}
	afterBytes, _ := afterResult.Bytes(make([]byte, 64))
	if before != string(afterBytes) {
		t.Errorf("selector data changed after a rejected write: before=%q after=%q", before, afterBytes)
	}
}

func TestSelectorWriteRequiresZeroOffset(t *testing.T) {
	path := newTestRegionPath(t)
	fs := newTestFS(t, path, true)
	mknod(t, fs, "x9z9.nbt")
	infoIno := lookup(t, fs, "x9z9.cmp")

	fh, status := openHandle(t, fs, infoIno, syscall.O_RDWR)
	if status != fuse.OK {
		t.Fatalf("Open(.cmp) = %v, want OK", status)
	}

	writeIn := &fuse.WriteIn{InHeader: fuse.InHeader{NodeId: infoIno}, Fh: fh, Offset: 1}
	_, wstatus := fs.Write(nil, writeIn, []byte("none\n"))
	if wstatus != fuse.EINVAL {
		t.Errorf("Write(.cmp, offset=1) = %v, want EINVAL", wstatus)
	}
}

func TestSelectorWriteAppliesValidCodecToChunkSibling(t *testing.T) {
	path := newTestRegionPath(t)
	fs := newTestFS(t, path, true)
	chunkIno := mknod(t, fs, "x11z11.nbt")
	infoIno := lookup(t, fs, "x11z11.cmp")

	fh, status := openHandle(t, fs, infoIno, syscall.O_RDWR)
	if status != fuse.OK {
		t.Fatalf("Open(.cmp) = %v, want OK", status)
	}
	writeIn := &fuse.WriteIn{InHeader: fuse.InHeader{NodeId: infoIno}, Fh: fh}
	n, wstatus := fs.Write(nil, writeIn, []byte("gzip zlib none [lz4] zstd unknown(#)\n"))
	if wstatus != fuse.OK {
		t.Fatalf("Write(valid selector) = %v, want OK", wstatus)
	}
	if n == 0 {
		t.Error("expected a nonzero write count on a valid selector write")
	}

	attrOut := &fuse.AttrOut{}
	if status := fs.GetAttr(nil, &fuse.GetAttrIn{InHeader: fuse.InHeader{NodeId: chunkIno}}, attrOut); status != fuse.OK {
		t.Fatalf("GetAttr(chunk) = %v, want OK", status)
	}

	// the chunk sibling's codec becomes observable once it is persisted; give
	// it a payload so the flushed slot is valid on re-parse
	chunkFh, status := openHandle(t, fs, chunkIno, syscall.O_RDWR)
	if status != fuse.OK {
		t.Fatalf("Open(chunk) = %v, want OK", status)
	}
	chunkWrite := &fuse.WriteIn{InHeader: fuse.InHeader{NodeId: chunkIno}, Fh: chunkFh}
	if _, wstatus := fs.Write(nil, chunkWrite, []byte("x")); wstatus != fuse.OK {
		t.Fatalf("Write(chunk) = %v, want OK", wstatus)
	}
	if err := fs.Flush(); err != nil {
		t.Fatalf("Flush: %s", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	region, err := smithy.ParseRegion(raw)
	if err != nil {
		t.Fatalf("ParseRegion: %s", err)
	}
	if _, codec, _, ok := region.Lookup(11, 11); !ok || codec != smithy.LZ4 {
		t.Errorf("persisted chunk (11,11): codec=%s ok=%v, want lz4", codec, ok)
	}
}

func TestSetAttrRejectedOnReadOnlyMount(t *testing.T) {
	path := newTestRegionPath(t)
	writer := newTestFS(t, path, true)
	wino := mknod(t, writer, "x10z10.nbt")
	// an empty chunk is stored with a payload length of 1, which ParseRegion
	// treats as invalid, so give it a payload before flushing
	wfh, wstatus := openHandle(t, writer, wino, syscall.O_RDWR)
	if wstatus != fuse.OK {
		t.Fatalf("Open(O_RDWR) = %v, want OK", wstatus)
	}
	if _, wstatus = writer.Write(nil, &fuse.WriteIn{InHeader: fuse.InHeader{NodeId: wino}, Fh: wfh}, []byte("x")); wstatus != fuse.OK {
		t.Fatalf("Write = %v, want OK", wstatus)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("Flush: %s", err)
	}

	ro := newTestFS(t, path, false)
	ino := lookup(t, ro, "x10z10.nbt")

	in := &fuse.SetAttrIn{}
	in.NodeId = ino
	in.Valid = fuse.FATTR_SIZE
	in.Size = 4

	out := &fuse.AttrOut{}
	status := ro.SetAttr(nil, in, out)
	if status != fuse.Status(syscall.EROFS) {
		t.Errorf("SetAttr on read-only mount = %v, want EROFS", status)
	}
}

func TestSetAttrRejectsOversizeGrowth(t *testing.T) {
	path := newTestRegionPath(t)
	fs := newTestFS(t, path, true)
	ino := mknod(t, fs, "x12z12.nbt")

	in := &fuse.SetAttrIn{}
	in.NodeId = ino
	in.Valid = fuse.FATTR_SIZE
	in.Size = uint64(smithy.MaxChunkLen)

	out := &fuse.AttrOut{}
	status := fs.SetAttr(nil, in, out)
	if status != fuse.Status(syscall.EFBIG) {
		t.Errorf("SetAttr(size=MaxChunkLen) = %v, want EFBIG", status)
	}
}
