package smithy

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType identifies how a chunk's payload bytes are encoded. The
// five known ids mirror the Anvil region format; any other byte value is
// kept around verbatim as Unknown so the region engine never has to reject
// a chunk it merely doesn't recognize the codec of — only externally
// stored chunks (id >= 128) are rejected, at parse time.
type CompressionType struct {
	id      uint8
	unknown bool
}

var (
	GZip = CompressionType{id: 1}
	Zlib = CompressionType{id: 2}
	None = CompressionType{id: 3}
	LZ4  = CompressionType{id: 4}
	Zstd = CompressionType{id: 53}
)

// Unknown wraps an unrecognized codec byte. Per spec, ids >= 128 mark a
// chunk stored externally to the region file, which this engine cannot
// represent and will panic on during parse.
func Unknown(id uint8) CompressionType {
	return CompressionType{id: id, unknown: true}
}

// DecodeCompressionType maps a raw codec byte to a CompressionType.
func DecodeCompressionType(id uint8) CompressionType {
	switch id {
	case 1:
		return GZip
	case 2:
		return Zlib
	case 3:
		return None
	case 4:
		return LZ4
	case 53:
		return Zstd
	default:
		return Unknown(id)
	}
}

// Byte returns the on-disk codec id for this CompressionType.
func (c CompressionType) Byte() uint8 {
	return c.id
}

// IsExternal reports whether this codec id marks an externally-stored chunk.
func (c CompressionType) IsExternal() bool {
	return c.unknown && c.id >= 128
}

// IsUnknown reports whether this is an Unknown(id) variant rather than one
// of the five named codecs.
func (c CompressionType) IsUnknown() bool {
	return c.unknown
}

func (c CompressionType) name() string {
	switch c.id {
	case 1:
		if !c.unknown {
			return "gzip"
		}
	case 2:
		if !c.unknown {
			return "zlib"
		}
	case 3:
		if !c.unknown {
			return "none"
		}
	case 4:
		if !c.unknown {
			return "lz4"
		}
	case 53:
		if !c.unknown {
			return "zstd"
		}
	}
	return fmt.Sprintf("unknown(%d)", c.id)
}

func (c CompressionType) String() string {
	return c.name()
}

// selectorOrder lists the five named codecs in the fixed order the selector
// line renders them.
var selectorOrder = []CompressionType{GZip, Zlib, None, LZ4, Zstd}

// MakeSelectorString renders the single-line, square-bracket-annotated
// selector text for c, e.g. "gzip zlib none [lz4] zstd unknown(#)\n".
func MakeSelectorString(c CompressionType) string {
	var b strings.Builder
	for i, cand := range selectorOrder {
		if i > 0 {
			b.WriteByte(' ')
		}
		if cand == c {
			b.WriteByte('[')
			b.WriteString(cand.name())
			b.WriteByte(']')
		} else {
			b.WriteString(cand.name())
		}
	}
	b.WriteByte(' ')
	if c.unknown {
		b.WriteByte('[')
		b.WriteString(c.name())
		b.WriteByte(']')
	} else {
		b.WriteString("unknown(#)")
	}
	b.WriteByte('\n')
	return b.String()
}

// ParseSelectorString parses a selector line (or a bare codec name/id) back
// into a CompressionType. It case-folds and trims the input, accepts a bare
// codec name, an "unknown(N)" form, a bare integer, and otherwise recurses
// once into the bracketed substring between the first '[' and its matching
// ']', per spec.
func ParseSelectorString(s string) (CompressionType, bool) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)

	switch lower {
	case "gzip":
		return GZip, true
	case "zlib":
		return Zlib, true
	case "none":
		return None, true
	case "lz4":
		return LZ4, true
	case "zstd":
		return Zstd, true
	}

	if strings.HasPrefix(lower, "unknown(") && strings.HasSuffix(lower, ")") {
		inner := lower[len("unknown(") : len(lower)-1]
		if n, err := strconv.ParseUint(inner, 10, 8); err == nil {
			return DecodeCompressionType(uint8(n)), true
		}
		return CompressionType{}, false
	}

	if n, err := strconv.ParseUint(lower, 10, 8); err == nil {
		return DecodeCompressionType(uint8(n)), true
	}

	start := strings.IndexByte(s, '[')
	if start == -1 {
		return CompressionType{}, false
	}
	end := strings.IndexByte(s[start:], ']')
	if end == -1 {
		return CompressionType{}, false
	}
	// recurse exactly once: the substring itself is checked against the
	// bare-name/unknown(N)/integer forms above, not against another
	// bracketed form.
	return parseBareToken(s[start+1 : start+end])
}

func parseBareToken(s string) (CompressionType, bool) {
	lower := strings.ToLower(strings.TrimSpace(s))
	switch lower {
	case "gzip":
		return GZip, true
	case "zlib":
		return Zlib, true
	case "none":
		return None, true
	case "lz4":
		return LZ4, true
	case "zstd":
		return Zstd, true
	}
	if strings.HasPrefix(lower, "unknown(") && strings.HasSuffix(lower, ")") {
		lower = lower[len("unknown(") : len(lower)-1]
	}
	if n, err := strconv.ParseUint(lower, 10, 8); err == nil {
		return DecodeCompressionType(uint8(n)), true
	}
	return CompressionType{}, false
}

// CompressPayload and DecompressPayload exercise real third-party codecs for
// the named compression types. The FUSE adapter (adapter.go) never calls
// these — chunk bytes are opaque at that boundary, per spec — but they let
// tooling built on this package (and compression_test.go's round-trip
// checks) actually produce/consume the formats CompressionType names.
func CompressPayload(c CompressionType, data []byte) ([]byte, error) {
	switch c {
	case GZip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Zlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Zstd:
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer w.Close()
		return w.EncodeAll(data, nil), nil
	case None:
		return data, nil
	default:
		return nil, fmt.Errorf("smithy: no codec wired for %s", c)
	}
}

func DecompressPayload(c CompressionType, data []byte) ([]byte, error) {
	switch c {
	case GZip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case LZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	case Zstd:
		d, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer d.Close()
		return io.ReadAll(d)
	case None:
		return data, nil
	default:
		return nil, fmt.Errorf("smithy: no codec wired for %s", c)
	}
}
