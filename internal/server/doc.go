// Package server ties the core together and exposes it over HTTP.
//
// The Engine owns the table schema, the partition database, the cluster
// map, and the async pool; it fans requests into per-partition cells
// through shuttles and merges the replies. The Server maps the engine
// onto the wire:
//
//	POST /v1/insert     ingest person event rows
//	POST /v1/query      behavioral query (agg / when / count where)
//	POST /v1/segment    segment declarations with ttl and refresh
//	POST /v1/column     column value scan
//	POST /v1/histogram  per-person macro histogram
//	GET  /v1/status     node status
//	GET  /metrics       Prometheus metrics
//
// A background sweeper re-runs registered segments whose refresh
// interval has lapsed, keeping TTL'd segment bitmaps warm.
package server
