// Package person implements the compact per-person row store: the packed
// record format and the Grid used to materialize, mutate, and re-encode
// one person's event rows.
//
// # Record layout
//
// Each person is one contiguous buffer:
//
//	┌──────────────────────────────┐
//	│ header (28 bytes)            │ id, linId, bytes, comp,
//	│                              │ propBytes, idBytes, flagRecords
//	├──────────────────────────────┤
//	│ id string                    │
//	├──────────────────────────────┤
//	│ flag records (26 bytes each) │ terminated by a 2-byte eof marker
//	├──────────────────────────────┤
//	│ property blob                │
//	├──────────────────────────────┤
//	│ compressed event rows (lz4)  │
//	└──────────────────────────────┘
//
// # Row encoding
//
// Events compress into a stream of typed cells keyed by schema column.
// The high 3 bits of each 16-bit header carry the tag (row separator,
// null, copydown, int16, int32, int64) and the low 13 bits the column.
// Text values are carried as 64-bit hashes into the attribute blob;
// doubles as fixed-point ints scaled by 10,000. The encoder emits
// copydown when a cell repeats the previous row's value and otherwise
// the narrowest integer width that fits; unset cells are simply omitted
// and decode to None.
//
// # Grid
//
// A Grid maps a subset (query mode) or all (insert mode) of the schema
// onto compact column indexes, so a table with thousands of sparse
// columns still materializes small rows. Rows live in a bump arena that
// is recycled per person, keeping iteration cache-friendly on a worker.
//
// Inserts are idempotent: a 128-bit hash over each row's non-aggregated
// cells detects exact duplicates. Commit sorts rows by timestamp, stamps
// session group-ids (rows within the session gap share an id), re-encodes
// the stream, and packs a fresh record.
package person
