package fragments

// Fragmenter splits outgoing PSRP message bytes into wire-sized Fragments,
// tracking a monotonically increasing object ID per call to Fragment.
type Fragmenter struct {
	maxFragmentSize int
	outgoingCounter uint64
}

// NewFragmenter returns a Fragmenter whose fragments never exceed
// maxWireSize once packed (header included). A WSMan endpoint typically
// advertises this as MaxEnvelopeSize.
func NewFragmenter(maxWireSize int) *Fragmenter {
	size := maxWireSize - HeaderSize
	if size < 1 {
		size = 1
	}
	return &Fragmenter{maxFragmentSize: size, outgoingCounter: 1}
}

// SetNextObjectID forces the object ID the next call to Fragment will use,
// for when a prior object ID range was consumed by a caller-supplied
// object ID instead of this Fragmenter's own counter (a WSMan Shell
// Create's creationXml, which embeds messages 1 and 2 directly).
func (fr *Fragmenter) SetNextObjectID(next uint64) {
	fr.outgoingCounter = next
}

func safeSplit(data []byte, size int) ([]byte, []byte) {
	if len(data) <= size {
		return data, nil
	}
	return data[:size], data[size:]
}

// Fragment splits messageBytes into a sequence of packed wire fragments
// sharing one object ID. If remainingSize is positive, the first fragment
// is sized to fit whatever space is left in a batch the caller already
// started (see FragmentBatch); the rest use the fragmenter's configured
// max fragment size.
func (fr *Fragmenter) Fragment(messageBytes []byte, remainingSize int) [][]byte {
	var packedFragments [][]byte
	remaining := messageBytes
	start := true
	var fragmentID uint64

	if remainingSize > 0 {
		chunk, rest := safeSplit(remaining, remainingSize)
		end := len(rest) == 0
		remaining = rest

		f := Fragment{ObjectID: fr.outgoingCounter, FragmentID: fragmentID, Data: chunk, Start: start, End: end}
		packed, _ := f.Encode()
		packedFragments = append(packedFragments, packed)
		fragmentID++
		start = false

		if end {
			fr.outgoingCounter++
			return packedFragments
		}
	}

	for len(remaining) > 0 {
		size := fr.maxFragmentSize
		if size > len(remaining) {
			size = len(remaining)
		}
		chunk := remaining[:size]
		remaining = remaining[size:]
		end := len(remaining) == 0

		f := Fragment{ObjectID: fr.outgoingCounter, FragmentID: fragmentID, Data: chunk, Start: start, End: end}
		packed, _ := f.Encode()
		packedFragments = append(packedFragments, packed)
		fragmentID++
		start = false
	}

	fr.outgoingCounter++
	return packedFragments
}

// FragmentWithID splits messageBytes the same way Fragment does, but under
// a caller-supplied object ID instead of the Fragmenter's own counter. This
// is used when the object ID must match an external message ID the
// transport correlates against (e.g. a WSMan Command's pipeline ID).
func (fr *Fragmenter) FragmentWithID(objectID uint64, messageBytes []byte) [][]byte {
	var packedFragments [][]byte
	remaining := messageBytes
	start := true
	var fragmentID uint64

	for len(remaining) > 0 || start {
		size := fr.maxFragmentSize
		if size > len(remaining) {
			size = len(remaining)
		}
		chunk := remaining[:size]
		remaining = remaining[size:]
		end := len(remaining) == 0

		f := Fragment{ObjectID: objectID, FragmentID: fragmentID, Data: chunk, Start: start, End: end}
		packed, _ := f.Encode()
		packedFragments = append(packedFragments, packed)
		fragmentID++
		start = false

		if end {
			break
		}
	}

	return packedFragments
}

// FragmentBatch fragments several messages in sequence, coalescing a
// short trailing fragment from one message with the next message's first
// fragment so a batch never carries more wasted header overhead than it
// has to. Each returned slice is one packed chunk meant to travel in a
// single WSMan Send/Command request body, bounded by the fragmenter's
// configured max wire size.
func (fr *Fragmenter) FragmentBatch(messages [][]byte) [][]byte {
	remainingSize := fr.maxFragmentSize
	var batch [][]byte

	for _, msg := range messages {
		msgFragments := fr.Fragment(msg, remainingSize)

		if remainingSize != fr.maxFragmentSize && len(batch) > 0 {
			last := batch[len(batch)-1]
			batch[len(batch)-1] = append(append([]byte{}, last...), msgFragments[0]...)
			msgFragments = msgFragments[1:]
		}

		batch = append(batch, msgFragments...)

		if len(batch) > 0 {
			remainingSize = fr.maxFragmentSize - len(batch[len(batch)-1])
		}
		if remainingSize <= 0 {
			remainingSize = fr.maxFragmentSize
		}
	}

	return batch
}
