// Package result implements the query result tree. Rows are addressed
// by nested keys (a RowKey of up to eight typed levels); each row holds
// accumulator cells whose update and render semantics follow the
// column's modifier: sum, min, max, avg, count, dist_count_person, or
// value. Distinct person counts are roaring bitmaps over linear-ids so
// the per-partition merge is a union, keeping Merge commutative and
// associative across partitions.
package result
