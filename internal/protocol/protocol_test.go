package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16ReferenceVector(t *testing.T) {
	// "123456789" is the standard CRC-16/ARC reference vector: 0xBB3D.
	assert.Equal(t, uint16(0xBB3D), CRC16([]byte("123456789")))
}

func TestEncodeDecodeControlRoundTrip(t *testing.T) {
	for _, typ := range []FragmentType{TypeInit, TypeKeepAlive, TypeAck} {
		b := EncodeControl(typ)
		require.Len(t, b, HeaderSize)
		f, err := Parse(b)
		require.NoError(t, err)
		assert.Equal(t, typ, f.Type)
		assert.Zero(t, f.DataLength)
		assert.Zero(t, f.TotalN)
		assert.Zero(t, f.Order)
		assert.Empty(t, f.Tail)
	}
}

func TestEncodeDecodeMetaMessageMode(t *testing.T) {
	b := EncodeMeta(3, "")
	f, err := Parse(b)
	require.NoError(t, err)
	total, name, err := DecodeMeta(f)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Empty(t, name)
}

func TestEncodeDecodeMetaFileMode(t *testing.T) {
	b := EncodeMeta(5, "data.bin")
	f, err := Parse(b)
	require.NoError(t, err)
	total, name, err := DecodeMeta(f)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Equal(t, "data.bin", name)
}

func TestEncodeDecodeDataRoundTrip(t *testing.T) {
	payload := []byte("he")
	b := EncodeData(3, 0, 2, payload)
	f, err := Parse(b)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.DataLength) // advertises fragment size, not actual payload length
	got, order, valid, err := DecodeData(f)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.EqualValues(t, 0, order)
	assert.Equal(t, payload, got)
}

func TestDecodeDataDetectsSingleByteMutation(t *testing.T) {
	b := EncodeData(3, 1, 2, []byte("ll"))
	b[HeaderSize]++ // flip the first payload byte after framing
	f, err := Parse(b)
	require.NoError(t, err)
	_, _, valid, err := DecodeData(f)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestEncodeDecodeNakRoundTrip(t *testing.T) {
	missing := []uint16{0, 4, 9}
	b := EncodeNak(missing)
	f, err := Parse(b)
	require.NoError(t, err)
	assert.EqualValues(t, len(missing), f.TotalN)
	assert.EqualValues(t, 2*len(missing), f.DataLength)
	got, err := DecodeNak(f)
	require.NoError(t, err)
	assert.Equal(t, missing, got)
}

func TestParseRejectsShortDatagram(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte{0xEE, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)
}
