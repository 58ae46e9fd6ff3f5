// Package bztree implements a lock-free, latch-free ordered key-value index
// for variable-length string keys and values.
//
// The index is a BzTree: leaves are mutable, append-only record arrays
// coordinated through a persistent multi-word compare-and-swap (PMwCAS)
// primitive, and inner nodes are immutable and replaced wholesale during
// structural modifications (compact, split, merge). The tree lives inside a
// single memory-mapped file so the whole structure, not just a working set,
// is addressable by byte offset.
//
// The four public operations are Insert, Update, Lookup and Erase. They are
// the only calls that establish epoch protection; everything else (PMwCAS,
// traversal, structural modification) is an internal collaborator.
package bztree
