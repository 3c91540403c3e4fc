package collab

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 300, 16383, 16384, 1 << 20, math.MaxUint64}
	for _, v := range values {
		buf := AppendUvarint(nil, v)
		got, n, err := ReadUvarint(buf)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got)
		assert.Equal(t, len(buf), n)
	}
}

func TestUvarintEncoding(t *testing.T) {
	// most significant 7-bit group first, continuation bit on all but
	// the last byte
	assert.Equal(t, []byte{0x00}, AppendUvarint(nil, 0))
	assert.Equal(t, []byte{0x7f}, AppendUvarint(nil, 127))
	assert.Equal(t, []byte{0x81, 0x00}, AppendUvarint(nil, 128))
	assert.Equal(t, []byte{0x82, 0x2c}, AppendUvarint(nil, 300))
}

func TestReadUvarintErrors(t *testing.T) {
	_, _, err := ReadUvarint(nil)
	assert.Error(t, err)

	// continuation bit never clears
	_, _, err = ReadUvarint([]byte{0x80, 0x80})
	assert.Error(t, err)
}

func TestSyncStep1Frame(t *testing.T) {
	sv := []byte(`{"42":7}`)
	frame := EncodeSyncStep1(sv)

	msgType, n, err := ReadUvarint(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(MessageSync), msgType)

	subType, m, err := ReadUvarint(frame[n:])
	require.NoError(t, err)
	assert.Equal(t, uint64(SyncStep1), subType)
	assert.Equal(t, sv, frame[n+m:])
}

func TestSyncStep2Frame(t *testing.T) {
	update := []byte(`[{"id":{"c":1,"k":1},"op":"el","t":"paragraph"}]`)
	frame := EncodeSyncStep2(update)

	msgType, n, err := ReadUvarint(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(MessageSync), msgType)

	subType, m, err := ReadUvarint(frame[n:])
	require.NoError(t, err)
	assert.Equal(t, uint64(SyncStep2), subType)

	payload, _, err := readLenPrefixed(frame[n+m:])
	require.NoError(t, err)
	assert.Equal(t, update, payload)
}

func TestPresenceFrame(t *testing.T) {
	payload := EncodePresencePayload([]PresenceEntry{{ID: 9, Clock: 2, State: []byte(`{"cursor":3}`)}})
	frame := EncodePresenceFrame(payload)

	msgType, n, err := ReadUvarint(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(MessagePresence), msgType)

	got, _, err := readLenPrefixed(frame[n:])
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPresencePayloadRoundTrip(t *testing.T) {
	entries := []PresenceEntry{
		{ID: 1, Clock: 5, State: []byte(`{"cursor":10,"name":"ada"}`)},
		{ID: 200, Clock: 1, State: []byte(`{}`)},
		{ID: 3, Clock: 9, State: nil}, // removal record
	}

	decoded, err := DecodePresencePayload(EncodePresencePayload(entries))
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	for i, e := range entries {
		assert.Equal(t, e.ID, decoded[i].ID)
		assert.Equal(t, e.Clock, decoded[i].Clock)
		assert.Equal(t, string(e.State), string(decoded[i].State))
	}
}

func TestDecodePresencePayloadTruncated(t *testing.T) {
	payload := EncodePresencePayload([]PresenceEntry{{ID: 1, Clock: 1, State: []byte("abc")}})
	_, err := DecodePresencePayload(payload[:len(payload)-2])
	assert.Error(t, err)
}
