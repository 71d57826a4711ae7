// Package table defines the event table schema. Columns are sparsely
// allocated numeric ids within a fixed 8,192-wide space, each with a
// name and a type drawn from {int, double, text, bool}. The reserved
// columns (__stamp, __action, __uuid, __session, and the segment
// pseudo-column) exist on every table.
//
// Schema reads are taken on the hot path by every grid mapping; writes
// (AddColumn) are rare and expected to run under the async pool's
// suspend barrier in addition to the internal mutex. Permissive tables
// auto-add unknown columns during ingest instead of rejecting rows.
package table
