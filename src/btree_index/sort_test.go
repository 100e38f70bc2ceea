package btreeindex

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, it *SortedIterator) []IndexTuple {
	t.Helper()
	var out []IndexTuple
	for {
		tuple, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, tuple)
	}
	require.NoError(t, it.Close())
	return out
}

func TestSorterInMemory(t *testing.T) {
	ts := NewTournamentSorter(1<<20, t.TempDir(), nil)
	defer ts.Cleanup()

	for _, k := range []string{"delta", "alpha", "charlie", "bravo"} {
		require.NoError(t, ts.Add([]byte(k), "doc-"+k, 1))
	}

	it, err := ts.Sort()
	require.NoError(t, err)
	got := drain(t, it)
	require.Len(t, got, 4)
	for i, want := range []string{"alpha", "bravo", "charlie", "delta"} {
		assert.Equal(t, want, string(got[i].Key))
	}
}

func TestSorterSpillsAndMergesRuns(t *testing.T) {
	// A tiny memory limit forces many disk runs.
	ts := NewTournamentSorter(256, t.TempDir(), nil)
	defer ts.Cleanup()

	const n = 500
	rng := rand.New(rand.NewSource(42))
	perm := rng.Perm(n)
	for _, i := range perm {
		key := []byte(fmt.Sprintf("key-%05d", i))
		require.NoError(t, ts.Add(key, fmt.Sprintf("doc-%d", i), uint64(i+1)))
	}

	it, err := ts.Sort()
	require.NoError(t, err)
	got := drain(t, it)
	require.Len(t, got, n)
	for i := 1; i < n; i++ {
		assert.LessOrEqual(t, string(got[i-1].Key), string(got[i].Key))
	}
	assert.Equal(t, "key-00000", string(got[0].Key))
	assert.Equal(t, fmt.Sprintf("key-%05d", n-1), string(got[n-1].Key))
}

func TestSorterDuplicateKeysOrderedByDocID(t *testing.T) {
	ts := NewTournamentSorter(128, t.TempDir(), nil)
	defer ts.Cleanup()

	docs := []string{"zeta", "alpha", "mid"}
	for _, d := range docs {
		require.NoError(t, ts.Add([]byte("same"), d, 9))
	}
	for i := 0; i < 40; i++ {
		require.NoError(t, ts.Add([]byte("pad"), fmt.Sprintf("p%02d", i), 1))
	}

	it, err := ts.Sort()
	require.NoError(t, err)
	got := drain(t, it)

	var sameDocs []string
	for _, tup := range got {
		if string(tup.Key) == "same" {
			sameDocs = append(sameDocs, tup.DocID)
		}
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, sameDocs)
}

func TestSorterEmpty(t *testing.T) {
	ts := NewTournamentSorter(1<<20, t.TempDir(), nil)
	it, err := ts.Sort()
	require.NoError(t, err)
	_, ok := it.Next()
	assert.False(t, ok)
}

func TestSorterCustomComparator(t *testing.T) {
	descending := func(a, b IndexTuple) bool {
		return bytes.Compare(a.Key, b.Key) > 0
	}
	ts := NewTournamentSorter(1<<20, t.TempDir(), descending)
	for _, k := range []string{"a", "c", "b"} {
		require.NoError(t, ts.Add([]byte(k), k, 1))
	}
	it, err := ts.Sort()
	require.NoError(t, err)
	got := drain(t, it)
	require.Len(t, got, 3)
	assert.Equal(t, "c", string(got[0].Key))
	assert.Equal(t, "a", string(got[2].Key))
}

func TestEncodeFieldValueOrdering(t *testing.T) {
	// Encoded keys must compare lexicographically in value order, across
	// types: null < false < true < numbers < strings.
	ordered := []interface{}{
		nil,
		false,
		true,
		-1e9,
		-2.5,
		-1,
		0,
		0.5,
		int32(1),
		3.14,
		int64(7),
		1e12,
		"",
		"abc",
		"abd",
		"b",
	}
	keys := make([][]byte, len(ordered))
	for i, v := range ordered {
		k, err := EncodeFieldValue(v)
		require.NoError(t, err, "value %v", v)
		keys[i] = k
	}
	for i := 1; i < len(keys); i++ {
		assert.Negative(t, bytes.Compare(keys[i-1], keys[i]),
			"%v must sort before %v", ordered[i-1], ordered[i])
	}
	assert.True(t, sort.SliceIsSorted(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	}))
}

func TestEncodeFieldValueNumericCollapse(t *testing.T) {
	asInt, err := EncodeFieldValue(int32(21))
	require.NoError(t, err)
	asFloat, err := EncodeFieldValue(float64(21))
	require.NoError(t, err)
	asInt64, err := EncodeFieldValue(int64(21))
	require.NoError(t, err)
	assert.Equal(t, asFloat, asInt)
	assert.Equal(t, asFloat, asInt64)
}

func TestEncodeFieldValueRejectsComposites(t *testing.T) {
	_, err := EncodeFieldValue(map[string]interface{}{"nested": true})
	require.Error(t, err)
	_, err = EncodeFieldValue([]interface{}{1, 2})
	require.Error(t, err)
}
