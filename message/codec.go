package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sarchlab/cosim/sim"
)

// ErrCorrupt is returned when a byte slice does not hold a valid message.
var ErrCorrupt = errors.New("corrupt action message")

const fixedHeaderSize = 4 + 4 + 4*4 + 2 + 1 + 8 + 4

// MarshalBinary encodes the message in the little-endian wire layout.
func (m *ActionMessage) MarshalBinary() ([]byte, error) {
	if uint64(len(m.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("payload of %d bytes is too large", len(m.Payload))
	}

	size := fixedHeaderSize + len(m.Payload)
	if m.info != nil {
		size += 8 + 8 + 4 + 7*4 + m.info.stringBytes()
	}

	buf := make([]byte, 0, size)
	le := binary.LittleEndian

	buf = le.AppendUint32(buf, uint32(m.Action))
	buf = le.AppendUint32(buf, uint32(m.MessageID))
	buf = le.AppendUint32(buf, uint32(m.SourceID))
	buf = le.AppendUint32(buf, uint32(m.SourceHandle))
	buf = le.AppendUint32(buf, uint32(m.DestID))
	buf = le.AppendUint32(buf, uint32(m.DestHandle))
	buf = le.AppendUint16(buf, m.Counter)
	buf = append(buf, m.flags())
	buf = le.AppendUint64(buf, uint64(m.Time))
	buf = le.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)

	if m.Action.HasInfo() {
		info := m.info
		if info == nil {
			info = newInfo()
		}

		buf = le.AppendUint64(buf, uint64(info.EventTime))
		buf = le.AppendUint64(buf, uint64(info.MinDeTime))
		buf = le.AppendUint32(buf, uint32(info.MinFed))

		for _, s := range info.strings() {
			buf = le.AppendUint32(buf, uint32(len(s)))
			buf = append(buf, s...)
		}
	}

	return buf, nil
}

// UnmarshalBinary decodes a message produced by MarshalBinary. Short or
// corrupt input returns an error wrapping ErrCorrupt.
func (m *ActionMessage) UnmarshalBinary(data []byte) error {
	r := reader{buf: data}

	var out ActionMessage

	out.Action = Action(r.u32())
	out.MessageID = int32(r.u32())
	out.SourceID = sim.GlobalID(r.u32())
	out.SourceHandle = sim.InterfaceHandle(r.u32())
	out.DestID = sim.GlobalID(r.u32())
	out.DestHandle = sim.InterfaceHandle(r.u32())
	out.Counter = r.u16()
	out.setFlags(r.u8())
	out.Time = sim.VTime(r.u64())
	out.Payload = r.bytes()

	if out.Action.HasInfo() {
		info := &Info{}
		info.EventTime = sim.VTime(r.u64())
		info.MinDeTime = sim.VTime(r.u64())
		info.MinFed = sim.GlobalID(r.u32())

		for _, s := range info.stringFields() {
			*s = string(r.bytes())
		}

		out.info = info
	}

	if r.err != nil {
		return r.err
	}

	if len(r.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r.buf))
	}

	*m = out

	return nil
}

// ToByteArray encodes the message.
func (m *ActionMessage) ToByteArray() []byte {
	buf, err := m.MarshalBinary()
	if err != nil {
		panic(err)
	}

	return buf
}

// FromByteArray decodes a message.
func FromByteArray(data []byte) (*ActionMessage, error) {
	m := &ActionMessage{}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}

	return m, nil
}

func (i *Info) strings() [7]string {
	return [7]string{
		i.Source, i.Target, i.OrigSource, i.OrigDest,
		i.Type, i.TypeOut, i.Units,
	}
}

func (i *Info) stringFields() [7]*string {
	return [7]*string{
		&i.Source, &i.Target, &i.OrigSource, &i.OrigDest,
		&i.Type, &i.TypeOut, &i.Units,
	}
}

func (i *Info) stringBytes() int {
	n := 0
	for _, s := range i.strings() {
		n += len(s)
	}

	return n
}

// reader consumes a byte slice, remembering the first error.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}

	if n < 0 || n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes, have %d",
			ErrCorrupt, n, len(r.buf))
		return nil
	}

	b := r.buf[:n]
	r.buf = r.buf[n:]

	return b
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}

	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint64(b)
}

func (r *reader) bytes() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}

	if uint64(n) > uint64(len(r.buf)) {
		r.err = fmt.Errorf("%w: length %d exceeds remaining %d bytes",
			ErrCorrupt, n, len(r.buf))
		return nil
	}

	b := r.take(int(n))
	if len(b) == 0 {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
