package bztree

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func newTestTree(t *testing.T) (*Tree, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bztree.db")

	tr, err := Open(Options{Filepath: path})
	if err != nil {
		t.Fatalf("open: %s", err)
	}

	t.Cleanup(func() {
		tr.Close()
		os.Remove(path)
	})

	return tr, path
}

func kid(n int) []byte  { return []byte(fmt.Sprintf("k%06d", n)) }
func vid(n int) []byte  { return []byte(fmt.Sprintf("v%06d", n)) }

// TestEmptyTree covers spec §8 scenario A: lookup on a brand new tree
// always misses.
func TestEmptyTree(t *testing.T) {
	tr, _ := newTestTree(t)

	_, found, err := tr.Lookup([]byte("abcd"))
	if err != nil {
		t.Fatalf("lookup: %s", err)
	}

	if found {
		t.Errorf("expected miss on empty tree, found a value")
	}
}

// TestSinglePair covers scenario B.
func TestSinglePair(t *testing.T) {
	tr, _ := newTestTree(t)

	if err := tr.Insert([]byte("key"), []byte("value")); err != nil {
		t.Fatalf("insert: %s", err)
	}

	value, found, err := tr.Lookup([]byte("key"))
	if err != nil {
		t.Fatalf("lookup: %s", err)
	}

	if !found || string(value) != "value" {
		t.Errorf("lookup(key) = %q, %v; want value, true", value, found)
	}

	_, found, err = tr.Lookup([]byte("missing"))
	if err != nil {
		t.Fatalf("lookup: %s", err)
	}

	if found {
		t.Errorf("expected miss on missing key")
	}
}

// TestFillOneLeaf covers scenario C: fill a single leaf's worth of
// records, checking visibility after each insert.
func TestFillOneLeaf(t *testing.T) {
	tr, _ := newTestTree(t)

	for i := 0; i < 8; i++ {
		if err := tr.Insert(kid(i), vid(i)); err != nil {
			t.Fatalf("insert %d: %s", i, err)
		}

		value, found, err := tr.Lookup(kid(i))
		if err != nil {
			t.Fatalf("lookup %d: %s", i, err)
		}

		if !found || string(value) != string(vid(i)) {
			t.Errorf("lookup(%s) = %q, %v; want %q, true", kid(i), value, found, vid(i))
		}
	}

	for i := 0; i < 8; i++ {
		value, found, err := tr.Lookup(kid(i))
		if err != nil {
			t.Fatalf("lookup %d: %s", i, err)
		}

		if !found || string(value) != string(vid(i)) {
			t.Errorf("final lookup(%s) = %q, %v; want %q, true", kid(i), value, found, vid(i))
		}
	}
}

// TestCompactByChurn covers scenario D: repeated insert/erase of the same
// key range must trigger at least one compaction (checked via
// retiredBytes, which runCompact/runSplit/runMerge all bump) while a
// long-lived key survives the churn untouched.
func TestCompactByChurn(t *testing.T) {
	tr, _ := newTestTree(t)

	if err := tr.Insert([]byte("always kept"), []byte("safe and sound")); err != nil {
		t.Fatalf("insert sentinel: %s", err)
	}

	for i := 0; i < 25; i++ {
		key := kid(i)
		value := vid(i)

		if err := tr.Insert(key, value); err != nil {
			t.Fatalf("insert %d: %s", i, err)
		}

		if err := tr.Erase(key); err != nil {
			t.Fatalf("erase %d: %s", i, err)
		}
	}

	value, found, err := tr.Lookup([]byte("always kept"))
	if err != nil {
		t.Fatalf("lookup sentinel: %s", err)
	}

	if !found || string(value) != "safe and sound" {
		t.Errorf("lookup(always kept) = %q, %v; want %q, true", value, found, "safe and sound")
	}

	for i := 0; i < 25; i++ {
		_, found, err := tr.Lookup(kid(i))
		if err != nil {
			t.Fatalf("lookup %d: %s", i, err)
		}

		if found {
			t.Errorf("key %s should have been erased", kid(i))
		}
	}

	if tr.retiredBytes == 0 {
		t.Errorf("expected at least one SMO to have retired a node during churn")
	}
}

// TestMultiLevelSplit covers scenario E: enough inserts to force the tree
// past a single leaf and into at least height 2.
func TestMultiLevelSplit(t *testing.T) {
	tr, _ := newTestTree(t)

	for i := 0; i < 80; i++ {
		if err := tr.Insert(kid(i), vid(i)); err != nil {
			t.Fatalf("insert %d: %s", i, err)
		}
	}

	meta, _, _ := tr.loadTreeMeta()
	if meta.height < 2 {
		t.Errorf("height = %d; want >= 2 after 80 inserts", meta.height)
	}

	for i := 0; i < 80; i++ {
		value, found, err := tr.Lookup(kid(i))
		if err != nil {
			t.Fatalf("lookup %d: %s", i, err)
		}

		if !found || string(value) != string(vid(i)) {
			t.Errorf("lookup(%s) = %q, %v; want %q, true", kid(i), value, found, vid(i))
		}
	}
}

// TestRandomNonRepeating covers scenario F: a fixed-seed shuffle of a
// non-repeating key range, inserted out of order.
func TestRandomNonRepeating(t *testing.T) {
	tr, _ := newTestTree(t)

	keys := make([]int, 80)
	for i := range keys {
		keys[i] = 80 + i
	}

	rand.New(rand.NewSource(1)).Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})

	for _, key := range keys {
		if err := tr.Insert(kid(key), vid(2*key)); err != nil {
			t.Fatalf("insert %d: %s", key, err)
		}
	}

	for _, key := range keys {
		value, found, err := tr.Lookup(kid(key))
		if err != nil {
			t.Fatalf("lookup %d: %s", key, err)
		}

		if !found || string(value) != string(vid(2*key)) {
			t.Errorf("lookup(%s) = %q, %v; want %q, true", kid(key), value, found, vid(2*key))
		}
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	tr, _ := newTestTree(t)

	if err := tr.Insert([]byte("dup"), []byte("first")); err != nil {
		t.Fatalf("insert: %s", err)
	}

	err := tr.Insert([]byte("dup"), []byte("second"))
	if err != ErrKeyExists {
		t.Errorf("insert duplicate: got %v, want ErrKeyExists", err)
	}

	value, found, _ := tr.Lookup([]byte("dup"))
	if !found || string(value) != "first" {
		t.Errorf("duplicate insert should not have overwritten: got %q", value)
	}
}

func TestUpdateMissingKeyRejected(t *testing.T) {
	tr, _ := newTestTree(t)

	err := tr.Update([]byte("nope"), []byte("value"))
	if err != ErrKeyNotFound {
		t.Errorf("update missing key: got %v, want ErrKeyNotFound", err)
	}
}

func TestUpdateReplacesValue(t *testing.T) {
	tr, _ := newTestTree(t)

	if err := tr.Insert([]byte("key"), []byte("old")); err != nil {
		t.Fatalf("insert: %s", err)
	}

	if err := tr.Update([]byte("key"), []byte("new value, longer than old")); err != nil {
		t.Fatalf("update: %s", err)
	}

	value, found, _ := tr.Lookup([]byte("key"))
	if !found || string(value) != "new value, longer than old" {
		t.Errorf("lookup after update = %q, %v", value, found)
	}
}

func TestEraseMissingKeyRejected(t *testing.T) {
	tr, _ := newTestTree(t)

	err := tr.Erase([]byte("nope"))
	if err != ErrKeyNotFound {
		t.Errorf("erase missing key: got %v, want ErrKeyNotFound", err)
	}
}

func TestReopenPersistsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	tr, err := Open(Options{Filepath: path})
	if err != nil {
		t.Fatalf("open: %s", err)
	}

	for i := 0; i < 20; i++ {
		if err := tr.Insert(kid(i), vid(i)); err != nil {
			t.Fatalf("insert %d: %s", i, err)
		}
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}

	reopened, err := Open(Options{Filepath: path})
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	defer reopened.Close()

	for i := 0; i < 20; i++ {
		value, found, err := reopened.Lookup(kid(i))
		if err != nil {
			t.Fatalf("lookup %d: %s", i, err)
		}

		if !found || string(value) != string(vid(i)) {
			t.Errorf("post-reopen lookup(%s) = %q, %v; want %q, true", kid(i), value, found, vid(i))
		}
	}
}
