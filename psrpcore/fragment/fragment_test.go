package fragments

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFragmentEncodeDecode_RoundTrip(t *testing.T) {
	f := Fragment{ObjectID: 7, FragmentID: 3, Start: true, End: false, Data: []byte("hello world")}

	packed, err := f.Encode()
	require.NoError(t, err)
	require.Len(t, packed, HeaderSize+len(f.Data))

	got, err := Decode(packed)
	require.NoError(t, err)
	require.Equal(t, f.ObjectID, got.ObjectID)
	require.Equal(t, f.FragmentID, got.FragmentID)
	require.Equal(t, f.Start, got.Start)
	require.Equal(t, f.End, got.End)
	require.Equal(t, f.Data, got.Data)
}

func TestFragmentEncode_FlagBits(t *testing.T) {
	cases := []struct {
		name       string
		start, end bool
		wantFlags  byte
	}{
		{"neither", false, false, 0x00},
		{"start only", true, false, 0x01},
		{"end only", false, true, 0x02},
		{"both", true, true, 0x03},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := Fragment{ObjectID: 1, FragmentID: 1, Start: tc.start, End: tc.end}
			packed, err := f.Encode()
			require.NoError(t, err)
			require.Equal(t, tc.wantFlags, packed[16])
		})
	}
}

func TestDecode_Truncated(t *testing.T) {
	_, err := Decode([]byte{0, 1, 2})
	require.Error(t, err)
}

func TestDecode_TruncatedBlob(t *testing.T) {
	f := Fragment{ObjectID: 1, FragmentID: 0, Start: true, End: true, Data: []byte("abcdef")}
	packed, err := f.Encode()
	require.NoError(t, err)

	_, err = Decode(packed[:len(packed)-2])
	require.Error(t, err)
}

func TestFragmenter_SingleFragmentWhenSmall(t *testing.T) {
	fr := NewFragmenter(4096)
	frags := fr.Fragment([]byte("small payload"), 0)
	require.Len(t, frags, 1)

	decoded, err := Decode(frags[0])
	require.NoError(t, err)
	require.True(t, decoded.Start)
	require.True(t, decoded.End)
	require.Equal(t, []byte("small payload"), decoded.Data)
}

func TestFragmenter_SplitsLargePayload(t *testing.T) {
	maxWire := HeaderSize + 10
	fr := NewFragmenter(maxWire)
	payload := make([]byte, 35)
	for i := range payload {
		payload[i] = byte(i)
	}

	frags := fr.Fragment(payload, 0)
	require.Greater(t, len(frags), 1)

	def := NewDefragmenter()
	var reassembled []byte
	for _, raw := range frags {
		completed, err := def.Defragment(raw)
		require.NoError(t, err)
		for _, msg := range completed {
			reassembled = append(reassembled, msg...)
		}
	}
	require.Equal(t, payload, reassembled)
	require.Equal(t, 0, def.PendingCount())
}

func TestFragmenter_ObjectIDIncrementsPerMessage(t *testing.T) {
	fr := NewFragmenter(4096)
	first := fr.Fragment([]byte("one"), 0)
	second := fr.Fragment([]byte("two"), 0)

	d1, err := Decode(first[0])
	require.NoError(t, err)
	d2, err := Decode(second[0])
	require.NoError(t, err)
	require.Equal(t, d1.ObjectID+1, d2.ObjectID)
}

func TestFragmenter_SetNextObjectID(t *testing.T) {
	fr := NewFragmenter(4096)
	fr.SetNextObjectID(42)
	frags := fr.Fragment([]byte("x"), 0)
	decoded, err := Decode(frags[0])
	require.NoError(t, err)
	require.Equal(t, uint64(42), decoded.ObjectID)
}

func TestFragmenter_FragmentWithID(t *testing.T) {
	fr := NewFragmenter(HeaderSize + 4)
	frags := fr.FragmentWithID(99, []byte("abcdefgh"))
	require.Greater(t, len(frags), 1)

	def := NewDefragmenter()
	var reassembled []byte
	for _, raw := range frags {
		completed, err := def.Defragment(raw)
		require.NoError(t, err)
		for _, msg := range completed {
			reassembled = append(reassembled, msg...)
		}
	}
	require.Equal(t, []byte("abcdefgh"), reassembled)
}

func TestDefragmenter_InterleavedObjectsDoNotCrossContaminate(t *testing.T) {
	frA := NewFragmenter(HeaderSize + 3)
	msgA := frA.FragmentWithID(1, []byte("AAAAAAAAA"))
	frB := NewFragmenter(HeaderSize + 3)
	msgB := frB.FragmentWithID(2, []byte("BBBBBBBBB"))

	def := NewDefragmenter()

	// Interleave: A0, B0, A1, B1, A2, B2
	var outA, outB []byte
	interleaved := []struct {
		raw []byte
		dst *[]byte
	}{
		{msgA[0], &outA}, {msgB[0], &outB},
		{msgA[1], &outA}, {msgB[1], &outB},
		{msgA[2], &outA}, {msgB[2], &outB},
	}
	for _, step := range interleaved {
		completed, err := def.Defragment(step.raw)
		require.NoError(t, err)
		for _, msg := range completed {
			*step.dst = append(*step.dst, msg...)
		}
	}

	require.Equal(t, []byte("AAAAAAAAA"), outA)
	require.Equal(t, []byte("BBBBBBBBB"), outB)
	require.Equal(t, 0, def.PendingCount())
}

func TestDefragmenter_ClearBuffersDropsIncomplete(t *testing.T) {
	fr := NewFragmenter(HeaderSize + 2)
	frags := fr.FragmentWithID(5, []byte("abcdef"))
	require.Greater(t, len(frags), 1)

	def := NewDefragmenter()
	_, err := def.Defragment(frags[0])
	require.NoError(t, err)
	require.Equal(t, 1, def.PendingCount())

	def.ClearBuffers()
	require.Equal(t, 0, def.PendingCount())
}

func TestFragmenter_FragmentBatch_RoundTrip(t *testing.T) {
	fr := NewFragmenter(HeaderSize + 8)
	msgs := [][]byte{
		[]byte("first message body"),
		[]byte("second"),
		[]byte("third message is a bit longer than the rest"),
	}
	batch := fr.FragmentBatch(msgs)
	require.NotEmpty(t, batch)

	def := NewDefragmenter()
	var completed [][]byte
	for _, chunk := range batch {
		msgs, err := def.Defragment(chunk)
		require.NoError(t, err)
		completed = append(completed, msgs...)
	}

	require.Len(t, completed, len(msgs))
	for i, want := range msgs {
		require.Equal(t, want, completed[i])
	}
}
