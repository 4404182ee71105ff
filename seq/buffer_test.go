package seq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Buffer_Create(t *testing.T) {
	t.Run("invalid size", func(t *testing.T) {
		_, err := NewBuffer[int](0)
		require.Error(t, err)

		_, err = NewBuffer[int](-1)
		require.Error(t, err)
	})

	t.Run("initial state", func(t *testing.T) {
		b, err := NewBuffer[int](16)
		require.NoError(t, err)
		require.Equal(t, uint16(0), b.Sequence())
		require.Equal(t, 16, b.Size())
		for i := 0; i < 16; i++ {
			require.Nil(t, b.AtIndex(i))
		}
	})
}

func Test_Buffer_Insert(t *testing.T) {
	t.Run("storage round trip", func(t *testing.T) {
		b, err := NewBuffer[int](8)
		require.NoError(t, err)

		e := b.Insert(3)
		require.NotNil(t, e)
		*e = 33

		require.True(t, b.Exists(3))
		require.Equal(t, 33, *b.Find(3))
		require.Equal(t, uint16(4), b.Sequence())
	})

	t.Run("window eviction", func(t *testing.T) {
		b, err := NewBuffer[uint16](256)
		require.NoError(t, err)

		for s := uint16(0); s <= 300; s++ {
			e := b.Insert(s)
			require.NotNil(t, e)
			*e = s
		}

		// cursor is 301, retained window [45, 301)
		for s := uint16(0); s <= 44; s++ {
			require.False(t, b.Exists(s), "sequence %d", s)
		}
		for s := uint16(45); s <= 300; s++ {
			require.True(t, b.Exists(s), "sequence %d", s)
			require.Equal(t, s, *b.Find(s))
		}
	})

	t.Run("stale rejected", func(t *testing.T) {
		b, err := NewBuffer[int](256)
		require.NoError(t, err)

		require.NotNil(t, b.Insert(1000))
		require.Nil(t, b.Insert(700))
		require.NotNil(t, b.Insert(800))
		require.True(t, b.Exists(800))
	})

	t.Run("large jump clears everything", func(t *testing.T) {
		b, err := NewBuffer[int](64)
		require.NoError(t, err)

		for s := uint16(0); s < 64; s++ {
			require.NotNil(t, b.Insert(s))
		}
		require.NotNil(t, b.Insert(10000))

		for s := uint16(0); s < 64; s++ {
			require.False(t, b.Exists(s))
		}
		require.True(t, b.Exists(10000))
		require.Equal(t, uint16(10001), b.Sequence())
	})

	t.Run("wraparound", func(t *testing.T) {
		b, err := NewBuffer[uint16](64)
		require.NoError(t, err)

		for i := 0; i < 0x10000+128; i++ {
			s := uint16(i)
			e := b.Insert(s)
			require.NotNil(t, e)
			*e = s
		}
		// newest 64 survive
		for i := 0x10000 + 64; i < 0x10000+128; i++ {
			s := uint16(i)
			require.True(t, b.Exists(s))
			require.Equal(t, s, *b.Find(s))
		}
	})
}

func Test_Buffer_Remove(t *testing.T) {
	b, err := NewBuffer[int](8)
	require.NoError(t, err)

	require.NotNil(t, b.Insert(5))
	require.False(t, b.Available(5))

	b.Remove(5)
	require.True(t, b.Available(5))
	require.False(t, b.Exists(5))
	require.Nil(t, b.Find(5))

	// remove is unconditional on the slot, whatever occupies it
	require.NotNil(t, b.Insert(6))
	b.Remove(6 + 8)
	require.False(t, b.Exists(6))
}

func Test_Buffer_Available(t *testing.T) {
	b, err := NewBuffer[int](8)
	require.NoError(t, err)

	require.NotNil(t, b.Insert(2))

	// slot-index semantics: 10 aliases slot 2, which is occupied by 2
	require.False(t, b.Available(10))
	require.False(t, b.Exists(10))
}

func Test_Buffer_AtIndex(t *testing.T) {
	b, err := NewBuffer[int](8)
	require.NoError(t, err)

	e := b.Insert(11)
	require.NotNil(t, e)
	*e = 7

	require.Equal(t, e, b.AtIndex(11%8))
	s, ok := b.SequenceAt(11 % 8)
	require.True(t, ok)
	require.Equal(t, uint16(11), s)

	_, ok = b.SequenceAt(0)
	require.False(t, ok)
	require.Nil(t, b.AtIndex(0))
}

func Test_Buffer_Reset(t *testing.T) {
	b, err := NewBuffer[int](8)
	require.NoError(t, err)

	for s := uint16(0); s < 8; s++ {
		require.NotNil(t, b.Insert(s))
	}
	b.Reset()

	require.Equal(t, uint16(0), b.Sequence())
	for s := uint16(0); s < 8; s++ {
		require.False(t, b.Exists(s))
	}
	require.NotNil(t, b.Insert(0))
}
