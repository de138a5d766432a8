package upload

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func record(seek uint64, data string) ChunkRecord {
	return ChunkRecord{Seek: seek, Data: []byte(data)}
}

func TestRingPushEvictsLowestSeek(t *testing.T) {
	ring := NewRing(3)
	ring.Push(record(0, "aaaa"))
	ring.Push(record(4, "bbbb"))
	ring.Push(record(8, "cccc"))
	require.Equal(t, uint64(0), ring.LowWater())
	require.Equal(t, uint64(8), ring.HighWater())

	ring.Push(record(12, "dddd"))
	require.Equal(t, 3, ring.Len())
	require.Equal(t, uint64(4), ring.LowWater())
	require.Equal(t, uint64(12), ring.HighWater())
}

func TestRingResendFrom(t *testing.T) {
	ring := NewRing(4)
	ring.Push(record(0, "aaaa"))
	ring.Push(record(4, "bbbb"))
	ring.Push(record(8, "cc"))

	records, err := ring.ResendFrom(4)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, uint64(4), records[0].Seek)
	require.Equal(t, uint64(8), records[1].Seek)

	all, err := ring.ResendFrom(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestRingResendBelowLowWaterFails(t *testing.T) {
	ring := NewRing(2)
	ring.Push(record(0, "aaaa"))
	ring.Push(record(4, "bbbb"))
	ring.Push(record(8, "cccc"))

	_, err := ring.ResendFrom(0)
	require.ErrorIs(t, err, ErrRetentionExhausted)
}

func TestRingResendOffBoundaryFails(t *testing.T) {
	ring := NewRing(4)
	ring.Push(record(0, "aaaa"))
	ring.Push(record(4, "bbbb"))

	_, err := ring.ResendFrom(2)
	require.ErrorIs(t, err, ErrRetentionExhausted)
}

func TestRingEmpty(t *testing.T) {
	ring := NewRing(4)
	_, err := ring.ResendFrom(0)
	require.ErrorIs(t, err, ErrRetentionExhausted)
	require.Equal(t, uint64(0), ring.LowWater())
	require.Equal(t, uint64(0), ring.HighWater())
}
