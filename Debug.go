package bztree

import (
	"fmt"
	"strings"
)

// This file is the debug/inspection surface (SPEC_FULL.md §C), grounded on
// bztree_debug.cc's DEBUG_print_tree/DEBUG_print_node/DEBUG_verify_sorted:
// a recursive node-by-node tree dump, a single-node field dump, and a
// sortedness assertion usable from tests.

// Dump returns a human-readable tree walk as a string, mirroring DEBUG_print_tree's
// shape: tree-level height/epoch header, then one indented block per node
// with its keys (and values, at leaf level).
func (t *Tree) Dump() string {
	var b strings.Builder

	meta, _, mm := t.loadTreeMeta()

	fmt.Fprintf(&b, "=== tree ===\n")
	fmt.Fprintf(&b, "height:       %d\n", meta.height)
	fmt.Fprintf(&b, "global epoch: %d\n\n", meta.globalEpoch)

	dumpNode(&b, mm, meta.rootOffset, 1, meta.height)

	return b.String()
}

func dumpNode(b *strings.Builder, mm MMap, nodeOff uint64, level, height uint64) {
	kind := "inner"
	if level == height {
		kind = "leaf"
	}

	indent := strings.Repeat("  ", int(level)-1)
	fmt.Fprintf(b, "%s%s node @%d {\n", indent, kind, nodeOff)

	sw := readStatusWord(mm, nodeOff)
	for i := uint16(0); i < uint16(sw.recordCount); i++ {
		rm := readRecordMeta(mm, nodeOff, i)
		if !rm.visible {
			continue
		}

		if level != height {
			key := readRecordKey(mm, nodeOff, rm)
			fmt.Fprintf(b, "%s  key=%q\n", indent, key)
			dumpNode(b, mm, childOffsetField(mm, nodeOff, rm), level+1, height)
			continue
		}

		key := readRecordKey(mm, nodeOff, rm)
		value := readRecordValue(mm, nodeOff, rm)
		fmt.Fprintf(b, "%s  key=%q value=%q\n", indent, key, value)
	}

	fmt.Fprintf(b, "%s}\n", indent)
}

// DumpNode renders a single node's header fields, mirroring
// DEBUG_print_node without the raw hex/ASCII body dump (callers have the
// typed accessors in Node.go for that instead).
func DumpNode(mm MMap, nodeOff uint64) string {
	sw := readStatusWord(mm, nodeOff)

	var b strings.Builder
	fmt.Fprintf(&b, "=== node @%d ===\n", nodeOff)
	fmt.Fprintf(&b, "inner:        %v\n", isInnerNode(mm, nodeOff))
	fmt.Fprintf(&b, "sorted_count: %d\n", readSortedCount(mm, nodeOff))
	fmt.Fprintf(&b, "control:      %d\n", sw.control)
	fmt.Fprintf(&b, "frozen:       %v\n", sw.frozen)
	fmt.Fprintf(&b, "record_count: %d\n", sw.recordCount)
	fmt.Fprintf(&b, "block_size:   %d\n", sw.blockSize)
	fmt.Fprintf(&b, "delete_size:  %d\n", sw.deleteSize)

	return b.String()
}

// VerifySorted reports whether the key-sorted view bulkScanLeaf returns for
// a leaf is strictly increasing, which fails only when two visible records
// share a key -- the invariant bulkScanLeaf's callers (compact, split,
// merge) all depend on. Grounded on DEBUG_verify_sorted; no test or
// production path calls it.
func VerifySorted(mm MMap, leafOff uint64) bool {
	kvs := bulkScanLeaf(mm, leafOff)

	for i := 1; i < len(kvs); i++ {
		if string(kvs[i-1].Key) >= string(kvs[i].Key) {
			return false
		}
	}

	return true
}

// bulkScanForTest exposes bulkScanLeaf to _test.go files in this package
// without widening bulkScanLeaf's own (internal, offset-based) signature.
func bulkScanForTest(mm MMap, leafOff uint64) []KeyValuePair {
	return bulkScanLeaf(mm, leafOff)
}

// CountEntries walks the whole tree and returns the number of visible
// key/value pairs, used by cmd/bztreectl's stats view, dump snapshot and
// repl "count" command.
func (t *Tree) CountEntries() int {
	meta, _, mm := t.loadTreeMeta()
	return countEntries(mm, meta.rootOffset, 1, meta.height)
}

func countEntries(mm MMap, nodeOff uint64, level, height uint64) int {
	sw := readStatusWord(mm, nodeOff)

	if level == height {
		count := 0
		for i := uint16(0); i < uint16(sw.recordCount); i++ {
			if readRecordMeta(mm, nodeOff, i).visible {
				count++
			}
		}

		return count
	}

	total := 0
	for i := uint16(0); i < uint16(sw.recordCount); i++ {
		rm := readRecordMeta(mm, nodeOff, i)
		if !rm.visible {
			continue
		}

		total += countEntries(mm, childOffsetField(mm, nodeOff, rm), level+1, height)
	}

	return total
}
