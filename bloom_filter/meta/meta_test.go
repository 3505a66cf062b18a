package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStore(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, false)
	require.NoError(t, err)

	recs := []Record{
		{Name: "user:phone", ExpectedInsertions: 1000, FPP: 0.01, BitSize: 9586, NumHashFunctions: 7, ShardKeys: []string{"user:phone"}, Strategy: "64", Hasher: "murmur3"},
		{Name: "order:id", ExpectedInsertions: 100, FPP: 0.01, BitSize: 959, NumHashFunctions: 7, ShardKeys: []string{"order:id", "order:id-1"}, Strategy: "64", Hasher: "murmur3"},
	}
	for _, rec := range recs {
		require.NoError(t, s.Save(rec))
	}

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []Record{recs[1], recs[0]}, got)

	recs[0].ShardKeys = append(recs[0].ShardKeys, "user:phone-1")
	require.NoError(t, s.Save(recs[0]))
	require.NoError(t, s.Delete("order:id", "missing"))

	got, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, []Record{recs[0]}, got)
	require.NoError(t, s.Close())

	// reopen
	s, err = Open(dir, true)
	require.NoError(t, err)
	defer s.Close()
	got, err = s.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"user:phone", "user:phone-1"}, got[0].ShardKeys)
}

func TestBoltStore_Empty(t *testing.T) {
	s, err := Open(t.TempDir(), false)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, s.Delete())
}
