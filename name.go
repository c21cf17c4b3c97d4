package smithy

import "strconv"

// FileKind distinguishes the two files a chunk is visible as.
type FileKind uint8

const (
	// KindChunk is the opaque chunk-payload file, extension ".nbt".
	KindChunk FileKind = iota
	// KindCompressionInfo is the small textual codec-selector file, extension ".cmp".
	KindCompressionInfo
)

func (k FileKind) ext() string {
	switch k {
	case KindChunk:
		return ".nbt"
	case KindCompressionInfo:
		return ".cmp"
	}
	return ""
}

// FormatName renders the canonical file name for chunk (x, z) of the given kind.
func FormatName(x, z uint8, kind FileKind) string {
	return "x" + strconv.Itoa(int(x)) + "z" + strconv.Itoa(int(z)) + kind.ext()
}

// nameFSM is the parser state for ParseName's four-state machine, kept
// explicit so the no-leading-zero rule can be enforced exactly; a regular
// expression would happily accept "x01z0.nbt".
type nameFSM int

const (
	fsmUninit nameFSM = iota
	fsmX
	fsmZ
)

// ParseName parses a "x<X>z<Z>.nbt"/".cmp" name into its coordinates and
// kind. It accepts only 1 or 2 decimal digits per coordinate, no leading
// zeros, and 0 <= x, z < 32.
func ParseName(name string) (x, z uint8, kind FileKind, ok bool) {
	var ext string
	if len(name) < 4 {
		return 0, 0, 0, false
	}
	switch name[len(name)-4:] {
	case ".nbt":
		kind = KindChunk
		ext = ".nbt"
	case ".cmp":
		kind = KindCompressionInfo
		ext = ".cmp"
	default:
		return 0, 0, 0, false
	}
	body := name[:len(name)-len(ext)]

	state := fsmUninit
	var xv, zv uint32
	var xn, zn uint8

	for i := 0; i < len(body); i++ {
		c := body[i]
		switch state {
		case fsmUninit:
			if c != 'x' {
				return 0, 0, 0, false
			}
			state = fsmX
			xv, xn = 0, 2
		case fsmX:
			if d, isDigit := digitOf(c); isDigit {
				if xn == 0 {
					return 0, 0, 0, false
				}
				if xn < 2 && xv == 0 {
					return 0, 0, 0, false
				}
				xv = xv*10 + uint32(d)
				xn--
			} else if c == 'z' {
				if xn == 2 {
					// no digits consumed for x yet
					return 0, 0, 0, false
				}
				state = fsmZ
				zv, zn = 0, 2
			} else {
				return 0, 0, 0, false
			}
		case fsmZ:
			if zn == 0 {
				return 0, 0, 0, false
			}
			if zn < 2 && zv == 0 {
				return 0, 0, 0, false
			}
			d, isDigit := digitOf(c)
			if !isDigit {
				return 0, 0, 0, false
			}
			zv = zv*10 + uint32(d)
			zn--
		}
	}

	if state != fsmZ {
		return 0, 0, 0, false
	}
	if zn >= 2 {
		// no digits were consumed for z
		return 0, 0, 0, false
	}
	if xv >= 32 || zv >= 32 {
		return 0, 0, 0, false
	}

	return uint8(xv), uint8(zv), kind, true
}

func digitOf(c byte) (uint8, bool) {
	if c >= '0' && c <= '9' {
		return c - '0', true
	}
	return 0, false
}
