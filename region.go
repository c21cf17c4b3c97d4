package smithy

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"time"
)

// SectorLen is the size in bytes of one region-file sector.
const SectorLen = 4096

// HeaderLen is the size in bytes of the two header sectors (location table + timestamp table).
const HeaderLen = 2 * SectorLen

// MaxChunkLen is the exclusive upper bound on a chunk's payload size in
// bytes (254 sectors' worth). With the 5-byte length and codec prefix, the
// largest accepted payload spans 255 sectors, the most the location entry's
// one-byte sector count can express.
const MaxChunkLen = SectorLen * 254

// ChunkAddress locates a chunk's sector run within a region file. Offset is
// measured in sectors from the start of the file, so the payload's byte
// offset is (Offset-2)*SectorLen.
type ChunkAddress struct {
	Offset uint32
	Len    uint32
}

// ChunkHeader is the parsed form of one region-file slot.
type ChunkHeader struct {
	Address *ChunkAddress
	Mtime   uint32
}

// RegionFile is the in-memory form of a parsed Anvil-style region: 1024
// chunk headers plus the sector-addressed payload bytes they point into.
type RegionFile struct {
	headers  [1024]ChunkHeader
	data     []byte
	occupied *sectorBitmap
	dirty    *sectorBitmap
}

func slotIndex(x, z uint8) int {
	return int(x&31) | (int(z&31) << 5)
}

// ParseRegion parses the bit-exact on-disk region format described in
// spec.md §6: two 4096-byte header sectors followed by sector-aligned
// chunk payload runs.
//
// Slots whose stored header or payload length is malformed are marked
// empty with a logged warning rather than failing the whole parse — only
// an externally-stored chunk (codec byte with the high bit set) is fatal,
// matching the original engine's choice to panic rather than silently
// drop data it cannot represent.
func ParseRegion(raw []byte) (*RegionFile, error) {
	if len(raw) < HeaderLen {
		raw = append(raw, make([]byte, HeaderLen-len(raw))...)
	}

	header := raw[:HeaderLen]
	payload := raw[HeaderLen:]
	if rem := len(payload) % SectorLen; rem != 0 {
		payload = append(payload, make([]byte, SectorLen-rem)...)
	}
	// copy so the parsed region owns its storage independently of raw
	data := make([]byte, len(payload))
	copy(data, payload)

	sectorCount := len(data) / SectorLen

	r := &RegionFile{
		data:     data,
		occupied: newSectorBitmap(sectorCount),
		dirty:    newSectorBitmap(sectorCount),
	}

	for slot := 0; slot < 1024; slot++ {
		posInfo := binary.BigEndian.Uint32(header[slot*4 : slot*4+4])
		mtime := binary.BigEndian.Uint32(header[SectorLen+slot*4 : SectorLen+slot*4+4])

		r.headers[slot].Mtime = mtime

		offset := posInfo >> 8
		length := posInfo & 0xff

		if offset < 2 || length == 0 || int(offset)+int(length)-2 > sectorCount {
			if posInfo != 0 {
				log.Printf("smithy: slot %d has invalid header (offset=%d len=%d), marking empty", slot, offset, length)
			}
			continue
		}

		start := (int(offset) - 2) * SectorLen
		runLen := int(length) * SectorLen
		run := data[start : start+runLen]

		trueLen := binary.BigEndian.Uint32(run[0:4])
		codecByte := run[4]
		codec := DecodeCompressionType(codecByte)

		if codec.IsExternal() {
			panic(fmt.Errorf("%w: slot %d codec id %d", ErrExternalChunk, slot, codecByte))
		}

		if trueLen <= 1 || 5+int(trueLen)-1 > len(run) {
			log.Printf("smithy: slot %d has invalid payload length %d, marking empty", slot, trueLen)
			continue
		}

		r.headers[slot].Address = &ChunkAddress{Offset: offset, Len: length}
		r.occupied.setRun(int(offset)-2, int(length))
	}

	return r, nil
}

// ExistingChunks returns the (x, z) coordinates of every slot currently
// holding a valid chunk, in slot order. It is used to populate the mount
// root's directory listing and to resolve lookups without forcing every
// coordinate's inode pair to be allocated up front.
func (r *RegionFile) ExistingChunks() [][2]uint8 {
	out := make([][2]uint8, 0)
	for slot := 0; slot < 1024; slot++ {
		if r.headers[slot].Address == nil {
			continue
		}
		out = append(out, [2]uint8{uint8(slot & 31), uint8(slot >> 5)})
	}
	return out
}

// Lookup returns the payload bytes, codec, and mtime stored for chunk
// (x, z), or ok=false if the slot holds no valid chunk. x and z are masked
// to 5 bits by the caller; coordinates >= 32 are unreachable here.
func (r *RegionFile) Lookup(x, z uint8) (data []byte, codec CompressionType, mtime uint32, ok bool) {
	h := &r.headers[slotIndex(x, z)]
	if h.Address == nil {
		return nil, CompressionType{}, h.Mtime, false
	}

	start := (int(h.Address.Offset) - 2) * SectorLen
	runLen := int(h.Address.Len) * SectorLen
	run := r.data[start : start+runLen]

	trueLen := binary.BigEndian.Uint32(run[0:4])
	codec = DecodeCompressionType(run[4])
	data = run[5 : 5+trueLen-1]

	return data, codec, h.Mtime, true
}

// Write stores data as the payload for chunk (x, z), replacing any
// existing chunk there. Oversize payloads and sector exhaustion are
// dropped with a logged warning, per spec.md §7: the slot is left empty and
// ErrChunkTooLarge or ErrAllocExhausted is returned.
func (r *RegionFile) Write(x, z uint8, data []byte, codec CompressionType, mtime uint32) error {
	idx := slotIndex(x, z)
	h := &r.headers[idx]

	if h.Address != nil {
		r.freeAddress(*h.Address)
		h.Address = nil
	}
	h.Mtime = mtime

	if len(data) >= MaxChunkLen {
		log.Printf("smithy: dropping write for slot %d: payload of %d bytes exceeds MaxChunkLen", idx, len(data))
		return ErrChunkTooLarge
	}

	containerLen := len(data) + 5
	nSectors := (containerLen + SectorLen - 1) / SectorLen

	start, err := r.occupied.allocateRun(nSectors)
	if err != nil {
		log.Printf("smithy: dropping write for slot %d: %s", idx, err)
		return err
	}

	r.growData(start + nSectors)
	r.occupied.setRun(start, nSectors)
	r.dirty.setRun(start, nSectors)

	runStart := start * SectorLen
	run := r.data[runStart : runStart+nSectors*SectorLen]
	for i := range run {
		run[i] = 0
	}
	binary.BigEndian.PutUint32(run[0:4], uint32(len(data)+1))
	run[4] = codec.Byte()
	copy(run[5:], data)

	h.Address = &ChunkAddress{Offset: uint32(start + 2), Len: uint32(nSectors)}
	return nil
}

// Delete removes the chunk at (x, z), freeing its sectors and updating its
// mtime. A subsequent Lookup returns ok=false.
func (r *RegionFile) Delete(x, z uint8, now time.Time) {
	h := &r.headers[slotIndex(x, z)]
	h.Mtime = uint32(now.Unix())

	if h.Address == nil {
		return
	}
	r.freeAddress(*h.Address)
	h.Address = nil
}

func (r *RegionFile) freeAddress(addr ChunkAddress) {
	r.occupied.clearRun(int(addr.Offset)-2, int(addr.Len))
}

func (r *RegionFile) growData(sectors int) {
	need := sectors * SectorLen
	if need <= len(r.data) {
		return
	}
	grown := make([]byte, need)
	copy(grown, r.data)
	r.data = grown
}

// maxOccupiedEnd returns the highest (offset+len-2) across all valid
// headers, i.e. the number of payload sectors that must be present on disk
// for every chunk to be readable back. It is 0 if no header is valid.
func (r *RegionFile) maxOccupiedEnd() int {
	max := 0
	for i := range r.headers {
		addr := r.headers[i].Address
		if addr == nil {
			continue
		}
		end := int(addr.Offset) + int(addr.Len) - 2
		if end > max {
			max = end
		}
	}
	return max
}

// Serialize writes the region's header tables and payload sectors to w.
// With fullWrite, every payload sector up to the highest occupied one is
// rewritten; otherwise only sectors marked dirty are. In both cases the
// file is first truncated to its final size, the dirty bitmap is cleared
// on success, and the file is fsync'd.
func (r *RegionFile) Serialize(w interface {
	io.WriterAt
	Truncate(size int64) error
	Sync() error
}, fullWrite bool) error {
	maxEnd := r.maxOccupiedEnd()

	if err := w.Truncate(int64(HeaderLen + maxEnd*SectorLen)); err != nil {
		return fmt.Errorf("smithy: truncating region file: %w", err)
	}

	locations := make([]byte, SectorLen)
	timestamps := make([]byte, SectorLen)

	for slot := 0; slot < 1024; slot++ {
		h := &r.headers[slot]
		if h.Address != nil {
			posInfo := (h.Address.Offset << 8) | (h.Address.Len & 0xff)
			binary.BigEndian.PutUint32(locations[slot*4:slot*4+4], posInfo)
		}
		binary.BigEndian.PutUint32(timestamps[slot*4:slot*4+4], h.Mtime)
	}

	if _, err := w.WriteAt(locations, 0); err != nil {
		return fmt.Errorf("smithy: writing location table: %w", err)
	}
	if _, err := w.WriteAt(timestamps, SectorLen); err != nil {
		return fmt.Errorf("smithy: writing timestamp table: %w", err)
	}

	writeSector := func(i int) error {
		if i >= maxEnd {
			return nil
		}
		start := i * SectorLen
		end := start + SectorLen
		if end > len(r.data) {
			// covered by the RegionFile length invariant, but guard anyway
			return nil
		}
		_, err := w.WriteAt(r.data[start:end], int64(HeaderLen+start))
		return err
	}

	if fullWrite {
		for i := 0; i < maxEnd; i++ {
			if err := writeSector(i); err != nil {
				return fmt.Errorf("smithy: writing sector %d: %w", i, err)
			}
		}
	} else {
		for i := 0; i < r.dirty.Len(); i++ {
			if !r.dirty.Get(i) {
				continue
			}
			if err := writeSector(i); err != nil {
				return fmt.Errorf("smithy: writing sector %d: %w", i, err)
			}
		}
	}

	if err := w.Sync(); err != nil {
		return fmt.Errorf("smithy: fsync: %w", err)
	}

	r.dirty = newSectorBitmap(r.dirty.Len())
	return nil
}
