package fragments

import "sort"

type fragmentBuffer struct {
	fragments []Fragment
	complete  bool
}

func (b *fragmentBuffer) add(f Fragment) {
	if f.End {
		b.complete = true
	}
	b.fragments = append(b.fragments, f)
}

func (b *fragmentBuffer) reassemble() []byte {
	sort.Slice(b.fragments, func(i, j int) bool {
		return b.fragments[i].FragmentID < b.fragments[j].FragmentID
	})
	var total int
	for _, f := range b.fragments {
		total += len(f.Data)
	}
	out := make([]byte, 0, total)
	for _, f := range b.fragments {
		out = append(out, f.Data...)
	}
	return out
}

// Defragmenter reassembles incoming Fragments back into complete message
// byte streams, keyed by object ID so interleaved fragments from distinct
// in-flight messages never cross-contaminate each other's buffer.
type Defragmenter struct {
	buffers map[uint64]*fragmentBuffer
}

// NewDefragmenter returns an empty Defragmenter.
func NewDefragmenter() *Defragmenter {
	return &Defragmenter{buffers: make(map[uint64]*fragmentBuffer)}
}

// Defragment unpacks every Fragment present in packetData and returns the
// raw bytes of any message that fragment completed. A packet can complete
// zero, one, or several messages at once.
func (d *Defragmenter) Defragment(packetData []byte) ([][]byte, error) {
	remaining := packetData
	var completed [][]byte

	for len(remaining) > 0 {
		f, rest, err := unpackOne(remaining)
		if err != nil {
			return nil, err
		}
		remaining = rest

		if f.Start && f.End {
			completed = append(completed, f.Data)
			continue
		}

		buf, ok := d.buffers[f.ObjectID]
		if !ok || f.Start {
			buf = &fragmentBuffer{}
			d.buffers[f.ObjectID] = buf
		}

		buf.add(f)

		if buf.complete {
			completed = append(completed, buf.reassemble())
			delete(d.buffers, f.ObjectID)
		}
	}

	return completed, nil
}

// PendingCount returns the number of messages still awaiting their final
// fragment.
func (d *Defragmenter) PendingCount() int {
	return len(d.buffers)
}

// ClearBuffers discards all incomplete buffers, used on connection loss
// or reconnect when a partially fragmented message can never complete.
func (d *Defragmenter) ClearBuffers() {
	d.buffers = make(map[uint64]*fragmentBuffer)
}
