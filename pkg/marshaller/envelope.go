package marshaller

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// The envelope is a fixed header followed by length-prefixed tagged
// sections:
//
//	magic "PFSN" | uint16 version | uint8 flags
//	( uint8 tag | uint32 length | payload )*
//
// Readers skip unknown tags, so newer writers can add sections without
// breaking older readers.
const formatVersion uint16 = 1

var magic = [4]byte{'P', 'F', 'S', 'N'}

const (
	sectionHeader    byte = 1
	sectionVariables byte = 2
	sectionNodes     byte = 3
	sectionWorkItems byte = 4
)

var errBadEnvelope = errors.New("bad snapshot envelope")

type envelopeWriter struct {
	buf bytes.Buffer
}

func newEnvelopeWriter() *envelopeWriter {
	w := &envelopeWriter{}
	w.buf.Write(magic[:])

	var version [2]byte
	binary.BigEndian.PutUint16(version[:], formatVersion)
	w.buf.Write(version[:])
	w.buf.WriteByte(0) // flags, reserved

	return w
}

func (w *envelopeWriter) section(tag byte, payload []byte) {
	w.buf.WriteByte(tag)

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	w.buf.Write(length[:])
	w.buf.Write(payload)
}

func (w *envelopeWriter) bytes() []byte {
	return w.buf.Bytes()
}

// readEnvelope parses an envelope into its sections, keyed by tag.
func readEnvelope(data []byte) (map[byte][]byte, uint16, error) {
	if len(data) < 7 || !bytes.Equal(data[:4], magic[:]) {
		return nil, 0, fmt.Errorf("%w: bad magic", errBadEnvelope)
	}

	version := binary.BigEndian.Uint16(data[4:6])
	if version == 0 || version > formatVersion {
		return nil, 0, fmt.Errorf("%w: unsupported format version %d", errBadEnvelope, version)
	}

	sections := make(map[byte][]byte)
	r := bytes.NewReader(data[7:])

	for {
		tag, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			return sections, version, nil
		}

		var length [4]byte
		if _, err := io.ReadFull(r, length[:]); err != nil {
			return nil, 0, fmt.Errorf("%w: truncated section length", errBadEnvelope)
		}

		payload := make([]byte, binary.BigEndian.Uint32(length[:]))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, 0, fmt.Errorf("%w: truncated section payload", errBadEnvelope)
		}

		sections[tag] = payload
	}
}
