// Package fragments implements PSRP message fragmentation (MS-PSRP 2.2.4):
// splitting an outgoing message into wire-sized chunks and reassembling
// incoming chunks back into complete messages.
package fragments

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the packed size of a Fragment header: 8-byte object ID,
// 8-byte fragment ID, 1-byte flags, 4-byte data length.
const HeaderSize = 21

// Fragment is a single chunk of a larger PSRP message, tagged with the ID
// of the message it belongs to (ObjectID) and its position within that
// message's fragment sequence (FragmentID).
type Fragment struct {
	ObjectID   uint64
	FragmentID uint64
	Start      bool
	End        bool
	Data       []byte
}

// Encode packs f into its wire representation.
func (f Fragment) Encode() ([]byte, error) {
	buf := make([]byte, HeaderSize+len(f.Data))
	binary.BigEndian.PutUint64(buf[0:8], f.ObjectID)
	binary.BigEndian.PutUint64(buf[8:16], f.FragmentID)

	var flags byte
	if f.Start {
		flags |= 0x01
	}
	if f.End {
		flags |= 0x02
	}
	buf[16] = flags

	binary.BigEndian.PutUint32(buf[17:21], uint32(len(f.Data)))
	copy(buf[21:], f.Data)
	return buf, nil
}

// unpackOne reads one Fragment from the front of data, returning it along
// with whatever bytes follow it.
func unpackOne(data []byte) (Fragment, []byte, error) {
	if len(data) < HeaderSize {
		return Fragment{}, nil, fmt.Errorf("fragments: need at least %d bytes, got %d", HeaderSize, len(data))
	}

	objectID := binary.BigEndian.Uint64(data[0:8])
	fragmentID := binary.BigEndian.Uint64(data[8:16])
	flags := data[16]
	length := binary.BigEndian.Uint32(data[17:21])

	if uint32(len(data)-HeaderSize) < length {
		return Fragment{}, nil, fmt.Errorf("fragments: truncated, expected %d bytes, got %d", HeaderSize+int(length), len(data))
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderSize:HeaderSize+int(length)])

	f := Fragment{
		ObjectID:   objectID,
		FragmentID: fragmentID,
		Start:      flags&0x01 != 0,
		End:        flags&0x02 != 0,
		Data:       payload,
	}
	return f, data[HeaderSize+int(length):], nil
}

// Decode reads a single Fragment from data. Any bytes beyond the first
// fragment are ignored; callers that expect several fragments packed
// together (a batched WSMan request body) should use a Defragmenter
// instead, which consumes the whole buffer.
func Decode(data []byte) (*Fragment, error) {
	f, _, err := unpackOne(data)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
