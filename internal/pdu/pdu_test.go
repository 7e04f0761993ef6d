package pdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		src     uint16
		dst     uint16
		seq     uint16
		ack     uint16
		flags   uint8
		payload []byte
	}{
		{"syn no payload", 15000, 15001, 0, 0, FlagSYN, nil},
		{"synack", 15001, 15000, 0, 1, FlagSYN | FlagACK, nil},
		{"data odd length", 15000, 15001, 5, 2, 0, []byte("hello")},
		{"data even length", 15000, 15001, 6, 2, 0, []byte("hi!!")},
		{"fin", 15000, 15001, 9, 4, FlagFIN, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := Encode(tc.src, tc.dst, tc.seq, tc.ack, tc.flags, tc.payload)

			got, err := Decode(raw)
			require.NoError(t, err)

			assert.Equal(t, tc.src, got.SrcPort)
			assert.Equal(t, tc.dst, got.DstPort)
			assert.Equal(t, tc.seq, got.Seq)
			assert.Equal(t, tc.ack, got.Ack)
			assert.Equal(t, tc.flags, got.Flags)
			assert.Equal(t, tc.payload, got.Payload)
			assert.EqualValues(t, HeaderSize, got.HeaderLen)
			assert.EqualValues(t, HeaderSize+len(tc.payload), got.TotalLen)
		})
	}
}

func TestChecksumSensitivity(t *testing.T) {
	raw := Encode(15000, 15001, 42, 7, FlagACK, []byte("payload"))

	for bit := 0; bit < len(raw)*8; bit++ {
		mutated := append([]byte(nil), raw...)
		mutated[bit/8] ^= 1 << uint(bit%8)

		_, err := Decode(mutated)
		assert.Error(t, err, "bit %d should invalidate the PDU", bit)
	}
}

func TestDecodeTruncated(t *testing.T) {
	raw := Encode(15000, 15001, 1, 1, FlagACK, []byte("hello"))

	_, err := Decode(raw[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode(raw[:HeaderSize+2])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeBadHeader(t *testing.T) {
	raw := Encode(15000, 15001, 1, 1, FlagACK, []byte("hello"))
	raw[8] = HeaderSize - 1 // header_len < 16

	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestHasFlagHelpers(t *testing.T) {
	p := &PDU{Flags: FlagSYN | FlagACK}
	assert.True(t, p.IsSYN())
	assert.True(t, p.IsACK())
	assert.False(t, p.IsFIN())
}
