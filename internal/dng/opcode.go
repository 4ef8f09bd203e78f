package dng

import (
	"fmt"

	"dngpipe/internal/stream"
)

// OpcodeID identifies an opcode on the wire.
type OpcodeID uint32

const (
	OpcodePrivate              OpcodeID = 0
	OpcodeWarpRectilinear      OpcodeID = 1
	OpcodeWarpFisheye          OpcodeID = 2
	OpcodeFixVignetteRadial    OpcodeID = 3
	OpcodeFixBadPixelsConstant OpcodeID = 4
	OpcodeFixBadPixelsList     OpcodeID = 5
	OpcodeTrimBounds           OpcodeID = 6
	OpcodeMapTable             OpcodeID = 7
	OpcodeMapPolynomial        OpcodeID = 8
	OpcodeGainMap              OpcodeID = 9
	OpcodeDeltaPerRow          OpcodeID = 10
	OpcodeDeltaPerColumn       OpcodeID = 11
	OpcodeScalePerRow          OpcodeID = 12
	OpcodeScalePerColumn       OpcodeID = 13
	OpcodeWarpRectilinear2     OpcodeID = 14
)

var opcodeNames = map[OpcodeID]string{
	OpcodePrivate:              "Private",
	OpcodeWarpRectilinear:      "WarpRectilinear",
	OpcodeWarpFisheye:          "WarpFisheye",
	OpcodeFixVignetteRadial:    "FixVignetteRadial",
	OpcodeFixBadPixelsConstant: "FixBadPixelsConstant",
	OpcodeFixBadPixelsList:     "FixBadPixelsList",
	OpcodeTrimBounds:           "TrimBounds",
	OpcodeMapTable:             "MapTable",
	OpcodeMapPolynomial:        "MapPolynomial",
	OpcodeGainMap:              "GainMap",
	OpcodeDeltaPerRow:          "DeltaPerRow",
	OpcodeDeltaPerColumn:       "DeltaPerColumn",
	OpcodeScalePerRow:          "ScalePerRow",
	OpcodeScalePerColumn:       "ScalePerColumn",
	OpcodeWarpRectilinear2:     "WarpRectilinear2",
}

func (id OpcodeID) String() string {
	if name, ok := opcodeNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", uint32(id))
}

// Opcode flag bits.
const (
	FlagOptional      uint32 = 1
	FlagSkipIfPreview uint32 = 2
)

// DNG versions, packed one byte per component.
const (
	Version1_1     uint32 = 0x01010000
	Version1_2     uint32 = 0x01020000
	Version1_3     uint32 = 0x01030000
	Version1_4     uint32 = 0x01040000
	VersionCurrent        = Version1_4
)

// FormatVersion renders a packed version as "1.4.0.0".
func FormatVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", v>>24, (v>>16)&0xff, (v>>8)&0xff, v&0xff)
}

// Opcode is one step of an opcode list.
type Opcode interface {
	ID() OpcodeID
	MinVersion() uint32
	Flags() uint32
	Stage() int
	SetStage(stage int)
	WasReadFromStream() bool

	// PutData writes the payload size followed by the payload.
	PutData(s *stream.Stream)

	// AboutToApply gates Apply on preview mode and version support.
	AboutToApply(h *Host, n *Negative) bool

	// Apply transforms img and returns the resulting image, which may be a
	// new allocation.
	Apply(h *Host, n *Negative, img *Image) (*Image, error)
}

// OpcodeBase carries the header fields shared by every opcode. Custom opcodes
// registered on a Host embed it.
type OpcodeBase struct {
	id         OpcodeID
	minVersion uint32
	flags      uint32
	stage      int
	fromStream bool
}

// NewOpcodeBase returns the header of a programmatically built opcode.
func NewOpcodeBase(id OpcodeID, minVersion, flags uint32) OpcodeBase {
	return OpcodeBase{id: id, minVersion: minVersion, flags: flags}
}

// ReadOpcodeBase reads the version and flags words following the id.
func ReadOpcodeBase(id OpcodeID, s *stream.Stream) (OpcodeBase, error) {
	b := OpcodeBase{id: id, fromStream: true}
	b.minVersion = s.Uint32()
	b.flags = s.Uint32()
	if err := s.Err(); err != nil {
		return b, fmt.Errorf("%w: %v header: %v", ErrBadFormat, id, err)
	}
	return b, nil
}

func (b *OpcodeBase) ID() OpcodeID { return b.id }

func (b *OpcodeBase) MinVersion() uint32 { return b.minVersion }

func (b *OpcodeBase) Flags() uint32 { return b.flags }

func (b *OpcodeBase) Optional() bool { return b.flags&FlagOptional != 0 }

func (b *OpcodeBase) SkipIfPreview() bool { return b.flags&FlagSkipIfPreview != 0 }

func (b *OpcodeBase) Stage() int { return b.stage }

func (b *OpcodeBase) SetStage(stage int) { b.stage = stage }

func (b *OpcodeBase) WasReadFromStream() bool { return b.fromStream }

func (b *OpcodeBase) AboutToApply(h *Host, n *Negative) bool {
	switch {
	case b.SkipIfPreview() && h.ForPreview:
		if n != nil {
			n.SetIsPreview(true)
		}
		h.Logger().Debug("skipping opcode for preview", "opcode", b.id, "stage", b.stage)
	case b.minVersion > VersionCurrent && b.fromStream:
		if !b.Optional() {
			if n != nil {
				n.SetIsDamaged(true)
			}
			h.Logger().Warn("required opcode needs newer DNG version",
				"opcode", b.id, "min_version", FormatVersion(b.minVersion))
		}
	default:
		return true
	}
	return false
}

// Unknown preserves an opcode this package does not interpret.
type Unknown struct {
	OpcodeBase
	data []byte
}

func parseUnknown(id OpcodeID, s *stream.Stream) (*Unknown, error) {
	base, err := ReadOpcodeBase(id, s)
	if err != nil {
		return nil, err
	}
	size := s.Uint32()
	if int64(size) > s.Remaining() {
		return nil, badFormat("%v payload of %d bytes exceeds stream", id, size)
	}
	data := append([]byte(nil), s.Get(int(size))...)
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v payload: %v", ErrBadFormat, id, err)
	}
	return &Unknown{OpcodeBase: base, data: data}, nil
}

// Payload returns the opaque payload bytes.
func (op *Unknown) Payload() []byte { return op.data }

func (op *Unknown) PutData(s *stream.Stream) {
	s.PutUint32(uint32(len(op.data)))
	s.Put(op.data)
}

func (op *Unknown) Apply(h *Host, n *Negative, img *Image) (*Image, error) {
	if !op.Optional() {
		return img, badFormat("cannot apply required opcode %v", op.id)
	}
	return img, nil
}

// Private wraps an in-process transformation. A list holding one can be
// applied but never written out.
type Private struct {
	OpcodeBase
	Name string
	fn   func(h *Host, n *Negative, img *Image) (*Image, error)
}

// NewPrivate returns a private opcode that runs fn.
func NewPrivate(name string, fn func(h *Host, n *Negative, img *Image) (*Image, error)) *Private {
	return &Private{OpcodeBase: NewOpcodeBase(OpcodePrivate, Version1_3, 0), Name: name, fn: fn}
}

func (op *Private) PutData(s *stream.Stream) {
	panic("dng: private opcode " + op.Name + " cannot be written")
}

func (op *Private) Apply(h *Host, n *Negative, img *Image) (*Image, error) {
	return op.fn(h, n, img)
}

func parseBuiltinOpcode(id OpcodeID, s *stream.Stream) (Opcode, error) {
	switch id {
	case OpcodeFixBadPixelsConstant:
		return parseFixBadPixelsConstant(s)
	case OpcodeFixBadPixelsList:
		return parseFixBadPixelsList(s)
	case OpcodeTrimBounds:
		return parseTrimBounds(s)
	case OpcodeMapTable:
		return parseMapTable(s)
	case OpcodeMapPolynomial:
		return parseMapPolynomial(s)
	case OpcodeGainMap:
		return parseGainMap(s)
	case OpcodeDeltaPerRow, OpcodeDeltaPerColumn:
		return parseDelta(id, s)
	case OpcodeScalePerRow, OpcodeScalePerColumn:
		return parseScale(id, s)
	default:
		return parseUnknown(id, s)
	}
}

// readPayloadSize reads the size word and checks it against want.
func readPayloadSize(id OpcodeID, s *stream.Stream, want func(size uint32) bool) (uint32, error) {
	size := s.Uint32()
	if err := s.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v size: %v", ErrBadFormat, id, err)
	}
	if !want(size) {
		return 0, badFormat("%v payload size %d", id, size)
	}
	if int64(size) > s.Remaining() {
		return 0, badFormat("%v payload of %d bytes exceeds stream", id, size)
	}
	return size, nil
}
