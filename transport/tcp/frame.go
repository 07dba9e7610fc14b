package tcp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/sarchlab/cosim/message"
	"github.com/sigurn/crc8"
)

const frameMagic uint16 = 0xC051

// MaxFrameBody bounds the size of a single command on the wire.
const MaxFrameBody = 64 << 20

var (
	// ErrHeaderCRC is returned when a frame header fails its checksum.
	ErrHeaderCRC = errors.New("frame header crc8 check fail")

	// ErrBodyCRC is returned when a frame body fails its checksum.
	ErrBodyCRC = errors.New("frame body crc32 check fail")
)

var crcTable = crc8.MakeTable(crc8.CRC8)

type frameheader struct {
	Magic     uint16
	Flags     uint8
	HeaderCRC uint8
	Length    uint32
	BodyCRC   uint32
}

var sizeOfFrameheader = binary.Size(frameheader{})

func headerChecksum(h frameheader) (uint8, error) {
	h.HeaderCRC = 0

	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, &h); err != nil {
		return 0, err
	}

	return crc8.Checksum(b.Bytes(), crcTable), nil
}

func writeFrame(w io.Writer, m *message.ActionMessage) error {
	body, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	if len(body) > MaxFrameBody {
		return fmt.Errorf("frame body of %d bytes is too large", len(body))
	}

	h := frameheader{
		Magic:   frameMagic,
		Length:  uint32(len(body)),
		BodyCRC: crc32.Checksum(body, crc32.IEEETable),
	}

	h.HeaderCRC, err = headerChecksum(h)
	if err != nil {
		return err
	}

	var b bytes.Buffer
	b.Grow(sizeOfFrameheader + len(body))

	if err := binary.Write(&b, binary.LittleEndian, &h); err != nil {
		return err
	}

	b.Write(body)

	_, err = w.Write(b.Bytes())

	return err
}

func readFrame(r io.Reader) (*message.ActionMessage, error) {
	h := frameheader{}
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, err
	}

	sum, err := headerChecksum(h)
	if err != nil {
		return nil, err
	}

	if sum != h.HeaderCRC || h.Magic != frameMagic {
		return nil, ErrHeaderCRC
	}

	if h.Length > MaxFrameBody {
		return nil, fmt.Errorf("frame body of %d bytes is too large", h.Length)
	}

	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	if crc32.Checksum(body, crc32.IEEETable) != h.BodyCRC {
		return nil, ErrBodyCRC
	}

	return message.FromByteArray(body)
}
