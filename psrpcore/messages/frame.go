// Package messages implements the PSRP message envelope (MS-PSRP 2.2.1)
// and the typed catalogue of message payloads carried inside it.
package messages

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// HeaderSize is the fixed portion of a PSRP message: 4-byte destination,
// 4-byte message type, 16-byte RunspacePoolId, 16-byte PipelineId.
const HeaderSize = 4 + 4 + 16 + 16

// Destination values (MS-PSRP 2.2.1).
const (
	DestinationClient uint32 = 0x00000001
	DestinationServer uint32 = 0x00000002
)

// Message is a fully-assembled PSRP message: the fixed header plus its
// UTF-8 XML payload. PipelineID is the zero GUID for pool-scoped messages.
type Message struct {
	Destination uint32
	Type        MessageType
	RunspaceID  uuid.UUID
	PipelineID  uuid.UUID
	Data        []byte
}

// packGUID writes a GUID in PSRP's mixed-endian wire order: the first
// three fields (time-low, time-mid, time-hi-and-version) are little
// endian, the remaining eight bytes (clock-seq and node) are big endian,
// matching the .NET Guid.ToByteArray layout MS-PSRP inherits.
func packGUID(g uuid.UUID) [16]byte {
	var out [16]byte
	out[0], out[1], out[2], out[3] = g[3], g[2], g[1], g[0]
	out[4], out[5] = g[5], g[4]
	out[6], out[7] = g[7], g[6]
	copy(out[8:], g[8:])
	return out
}

func unpackGUID(b []byte) uuid.UUID {
	var g uuid.UUID
	g[0], g[1], g[2], g[3] = b[3], b[2], b[1], b[0]
	g[4], g[5] = b[5], b[4]
	g[6], g[7] = b[7], b[6]
	copy(g[8:], b[8:16])
	return g
}

// Encode packs m into its wire representation.
func (m Message) Encode() ([]byte, error) {
	buf := make([]byte, HeaderSize+len(m.Data))
	binary.LittleEndian.PutUint32(buf[0:4], m.Destination)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Type))

	rpid := packGUID(m.RunspaceID)
	copy(buf[8:24], rpid[:])

	pid := packGUID(m.PipelineID)
	copy(buf[24:40], pid[:])

	copy(buf[40:], m.Data)
	return buf, nil
}

// Decode parses a reassembled message body (the output of a Fragment
// sequence) into a Message.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("messages: need at least %d bytes, got %d", HeaderSize, len(data))
	}

	m := &Message{
		Destination: binary.LittleEndian.Uint32(data[0:4]),
		Type:        MessageType(binary.LittleEndian.Uint32(data[4:8])),
		RunspaceID:  unpackGUID(data[8:24]),
		PipelineID:  unpackGUID(data[24:40]),
		Data:        append([]byte(nil), data[40:]...),
	}
	return m, nil
}
