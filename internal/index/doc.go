// Package index implements the per-partition attribute store: for every
// (column, value) pair, a compressed bitmap of the linear-ids of persons
// having that value, plus named segment bitmaps with TTL/refresh
// metadata and the blob mapping text hashes back to strings.
//
// Bitmaps are roaring bitmaps over linear-ids. They answer three
// questions cheaply: population (how many persons match), membership,
// and ordered iteration (which persons to mount). The query indexer
// folds them with and/or/andnot/not to turn predicate hints into
// candidate sets without touching person records.
//
// Storage policy: attributes hold their bitmap compressed; a live
// (uncompressed) form exists while inserts are appending, folded back by
// Compact. A small LRU keeps recently touched bitmaps decompressed.
//
// Ownership: a Bits instance belongs to exactly one holder. Handing a
// bitmap into the store goes through Swap, which takes ownership and
// returns the previous bitmap for disposal. The store itself is
// partition-local and worker-owned: it has no locks, and cross-worker
// access is a bug.
package index
