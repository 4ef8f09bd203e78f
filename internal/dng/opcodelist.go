package dng

import (
	"encoding/binary"
	"fmt"

	"dngpipe/internal/stream"
)

// OpcodeList is the ordered set of opcodes for one pipeline stage.
type OpcodeList struct {
	stage       int
	ops         []Opcode
	alwaysApply bool
}

func NewOpcodeList(stage int) *OpcodeList { return &OpcodeList{stage: stage} }

func (l *OpcodeList) Stage() int { return l.stage }

func (l *OpcodeList) Count() int { return len(l.ops) }

func (l *OpcodeList) IsEmpty() bool { return len(l.ops) == 0 }

func (l *OpcodeList) NotEmpty() bool { return len(l.ops) > 0 }

// AlwaysApply reports whether the list holds a private opcode.
func (l *OpcodeList) AlwaysApply() bool { return l.alwaysApply }

func (l *OpcodeList) Entry(i int) Opcode { return l.ops[i] }

// Opcodes returns the list contents in order.
func (l *OpcodeList) Opcodes() []Opcode { return append([]Opcode(nil), l.ops...) }

func (l *OpcodeList) Clear() {
	l.ops = nil
	l.alwaysApply = false
}

// Append takes ownership of op and tags it with the list's stage.
func (l *OpcodeList) Append(op Opcode) {
	if op.ID() == OpcodePrivate {
		l.alwaysApply = true
	}
	op.SetStage(l.stage)
	l.ops = append(l.ops, op)
}

// MinVersion is the highest minimum version among the opcodes, counting
// optional ones only when includeOptional is set.
func (l *OpcodeList) MinVersion(includeOptional bool) uint32 {
	var v uint32
	for _, op := range l.ops {
		if !includeOptional && op.Flags()&FlagOptional != 0 {
			continue
		}
		v = max(v, op.MinVersion())
	}
	return v
}

// Spool writes the list big-endian at the stream position. It panics when the
// list holds a private opcode.
func (l *OpcodeList) Spool(s *stream.Stream) {
	if l.alwaysApply {
		panic(fmt.Sprintf("dng: opcode list %d holds private opcodes and cannot be spooled", l.stage))
	}
	saved := s.Order()
	s.SetOrder(binary.BigEndian)
	defer s.SetOrder(saved)

	s.PutUint32(uint32(len(l.ops)))
	for _, op := range l.ops {
		s.PutUint32(uint32(op.ID()))
		s.PutUint32(op.MinVersion())
		s.PutUint32(op.Flags())
		op.PutData(s)
	}
}

// Bytes returns the spooled list.
func (l *OpcodeList) Bytes() []byte {
	s := stream.NewWriter(binary.BigEndian)
	l.Spool(s)
	return s.Bytes()
}

// Parse replaces the list with byteCount bytes read at offset. Contents are
// undefined after a failed parse.
func (l *OpcodeList) Parse(h *Host, s *stream.Stream, byteCount, offset int64) error {
	l.Clear()
	saved := s.Order()
	s.SetOrder(binary.BigEndian)
	defer s.SetOrder(saved)

	s.SetPosition(offset)
	count := s.Uint32()
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: opcode list %d count: %v", ErrBadFormat, l.stage, err)
	}
	// Each opcode takes at least 16 header bytes.
	if int64(count) > byteCount/16 {
		return badFormat("opcode list %d claims %d opcodes in %d bytes", l.stage, count, byteCount)
	}
	for i := uint32(0); i < count; i++ {
		id := OpcodeID(s.Uint32())
		if err := s.Err(); err != nil {
			return fmt.Errorf("%w: opcode list %d entry %d: %v", ErrBadFormat, l.stage, i, err)
		}
		op, err := h.MakeOpcode(id, s)
		if err != nil {
			return fmt.Errorf("opcode list %d entry %d: %w", l.stage, i, err)
		}
		l.Append(op)
	}
	if s.Err() != nil || s.Position() != offset+byteCount {
		return badFormat("error parsing opcode list %d: ended at %d, expected %d", l.stage, s.Position(), offset+byteCount)
	}
	return nil
}

// ParseBytes parses a complete list held in data.
func (l *OpcodeList) ParseBytes(h *Host, data []byte) error {
	return l.Parse(h, stream.New(data, binary.BigEndian), int64(len(data)), 0)
}

// Apply runs each opcode that passes its gate, in order.
func (l *OpcodeList) Apply(h *Host, n *Negative, img *Image) (*Image, error) {
	for i, op := range l.ops {
		if !op.AboutToApply(h, n) {
			continue
		}
		h.Logger().Debug("applying opcode", "stage", l.stage, "index", i, "opcode", op.ID())
		out, err := op.Apply(h, n, img)
		if err != nil {
			if out != nil && out != img {
				out.Release()
			}
			return img, fmt.Errorf("stage %d opcode %d (%v): %w", l.stage, i, op.ID(), err)
		}
		if out != img && img != nil {
			img.Release()
		}
		img = out
	}
	return img, nil
}
