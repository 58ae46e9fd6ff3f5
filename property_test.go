package bztree

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// TestPropertyLookupReflectsMostRecentWrite is spec §8 property 1: lookup
// must return the most recent successful insert/update not followed by a
// successful erase.
func TestPropertyLookupReflectsMostRecentWrite(t *testing.T) {
	tr, _ := newTestTree(t)

	model := map[string]string{}

	apply := func(key, value string, erase bool) {
		if erase {
			err := tr.Erase([]byte(key))
			if _, present := model[key]; present {
				require.NoError(t, err)
				delete(model, key)
			} else {
				require.ErrorIs(t, err, ErrKeyNotFound)
			}
			return
		}

		if _, present := model[key]; present {
			require.NoError(t, tr.Update([]byte(key), []byte(value)))
		} else {
			require.NoError(t, tr.Insert([]byte(key), []byte(value)))
		}

		model[key] = value
	}

	for i := 0; i < 60; i++ {
		key := fmt.Sprintf("prop-%03d", i%15)
		apply(key, fmt.Sprintf("v%d", i), i%7 == 0)
	}

	for key, want := range model {
		got, found, err := tr.Lookup([]byte(key))
		require.NoError(t, err)
		require.True(t, found, "key %s should be present", key)
		require.Equal(t, want, string(got))
	}
}

// TestPropertyNodeInvariantsHoldAfterEveryOperation is spec §8 property 2:
// walk every node reachable from the root and check the §3 invariants
// still hold.
func TestPropertyNodeInvariantsHoldAfterEveryOperation(t *testing.T) {
	tr, _ := newTestTree(t)

	for i := 0; i < 120; i++ {
		require.NoError(t, tr.Insert(kid(i), vid(i)))
		walkAndCheckInvariants(t, tr)

		if i%5 == 0 {
			require.NoError(t, tr.Erase(kid(i)))
			walkAndCheckInvariants(t, tr)
		}
	}
}

func walkAndCheckInvariants(t *testing.T, tr *Tree) {
	t.Helper()

	meta, _, mm := tr.loadTreeMeta()
	checkNodeInvariants(t, mm, meta.rootOffset, 1, meta.height)
}

func checkNodeInvariants(t *testing.T, mm MMap, nodeOff uint64, level, height uint64) {
	t.Helper()

	sw := readStatusWord(mm, nodeOff)

	used := uint32(HeaderSize) + uint32(sw.recordCount)*uint32(RecordMetaSize) + sw.blockSize
	require.LessOrEqualf(t, used, uint32(NodeSize), "node @%d: used bytes exceed NodeSize", nodeOff)

	sortedCount := readSortedCount(mm, nodeOff)
	require.LessOrEqualf(t, sortedCount, uint32(sw.recordCount), "node @%d: sorted_count > record_count", nodeOff)

	if level == height {
		for i := uint16(0); i < uint16(sw.recordCount); i++ {
			rm := readRecordMeta(mm, nodeOff, i)
			if rm.visible {
				continue
			}

			if reserved, _ := isReserved(rm); reserved {
				continue
			}

			require.Equalf(t, uint32(0), rm.offset, "node @%d record %d: not visible, not reserved, must be tombstoned (offset 0)", nodeOff, i)
		}
		return
	}

	require.Equalf(t, uint32(sw.recordCount), sortedCount, "inner node @%d must be fully sorted", nodeOff)

	for i := uint16(0); i < uint16(sw.recordCount); i++ {
		rm := readRecordMeta(mm, nodeOff, i)
		checkNodeInvariants(t, mm, childOffsetField(mm, nodeOff, rm), level+1, height)
	}
}

// TestPropertyBulkScanHasNoDuplicateKeys is spec §8 property 5.
func TestPropertyBulkScanHasNoDuplicateKeys(t *testing.T) {
	tr, _ := newTestTree(t)

	for i := 0; i < 90; i++ {
		require.NoError(t, tr.Insert(kid(i), vid(i)))
	}

	for i := 0; i < 30; i++ {
		require.NoError(t, tr.Erase(kid(i)))
	}

	seen := map[string]bool{}
	var all []KeyValuePair

	meta, _, mm := tr.loadTreeMeta()
	collectLeaves(mm, meta.rootOffset, 1, meta.height, &all)

	for _, kv := range all {
		require.Falsef(t, seen[string(kv.Key)], "duplicate key in bulk scan: %s", kv.Key)
		seen[string(kv.Key)] = true
	}

	require.Equal(t, 60, len(all))
}

func collectLeaves(mm MMap, nodeOff uint64, level, height uint64, out *[]KeyValuePair) {
	if level == height {
		*out = append(*out, bulkScanForTest(mm, nodeOff)...)
		return
	}

	_, children := readInnerNodeEntries(mm, nodeOff)

	for _, childOff := range children {
		collectLeaves(mm, childOff, level+1, height, out)
	}
}

// TestPropertyBulkScanMatchesModelAfterSplits exercises the go-cmp
// structural diff idiom for []KeyValuePair comparisons (SPEC_FULL.md §A):
// the leaf splits that 40 inserts force, followed by erasing every even
// key, must never lose or alter a live record.
func TestPropertyBulkScanMatchesModelAfterSplits(t *testing.T) {
	tr, _ := newTestTree(t)

	for i := 0; i < 40; i++ {
		require.NoError(t, tr.Insert(kid(i), vid(i)))
	}

	for i := 0; i < 40; i += 2 {
		require.NoError(t, tr.Erase(kid(i)))
	}

	var got []KeyValuePair
	meta, _, mm := tr.loadTreeMeta()
	collectLeaves(mm, meta.rootOffset, 1, meta.height, &got)

	sort.Slice(got, func(i, j int) bool { return string(got[i].Key) < string(got[j].Key) })

	var expect []KeyValuePair
	for i := 1; i < 40; i += 2 {
		expect = append(expect, KeyValuePair{Key: kid(i), Value: vid(i)})
	}

	if diff := cmp.Diff(expect, got); diff != "" {
		t.Errorf("bulk scan mismatch (-want +got):\n%s", diff)
	}
}

// TestConcurrentDisjointInsertsAreLinearizable is spec §8 property 6: N
// goroutines insert disjoint keys, so every key is absent before its
// insert; each insert must therefore succeed and leave its key findable.
func TestConcurrentDisjointInsertsAreLinearizable(t *testing.T) {
	tr, _ := newTestTree(t)

	const workers = 8
	const perWorker = 40

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%02d-k%04d", w, i)
				value := fmt.Sprintf("w%02d-v%04d", w, i)

				if err := tr.Insert([]byte(key), []byte(value)); err != nil {
					errs <- fmt.Errorf("worker %d insert %d: %w", w, i, err)
				}
			}
		}(w)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("%s", err)
	}

	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			key := fmt.Sprintf("w%02d-k%04d", w, i)
			want := fmt.Sprintf("w%02d-v%04d", w, i)

			got, found, err := tr.Lookup([]byte(key))
			require.NoError(t, err)
			require.Truef(t, found, "key %s should be present after concurrent insert", key)
			require.Equal(t, want, string(got))
		}
	}
}

// TestConcurrentMixedOpsNoTornReads is spec §8 property 7: a lookup that
// returns a value must return a value that was actually written by some
// completed operation, never a half-written record.
func TestConcurrentMixedOpsNoTornReads(t *testing.T) {
	tr, _ := newTestTree(t)

	require.NoError(t, tr.Insert([]byte("shared"), []byte("v0")))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()

		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}

			_ = tr.Update([]byte("shared"), []byte(fmt.Sprintf("v%d", i)))
		}
	}()

	for i := 0; i < 2000; i++ {
		value, found, err := tr.Lookup([]byte("shared"))
		require.NoError(t, err)
		require.True(t, found)
		require.Regexpf(t, `^v\d+$`, string(value), "observed a torn or malformed value %q", value)
	}

	close(stop)
	wg.Wait()
}
