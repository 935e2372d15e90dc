// Package filedata implements the write-back page cache between the item
// tree and the backend.
//
// Each open file owns a PageManager holding its in-memory pages and a
// PageBackend translating page ranges into ranged downloads and uploads.
// One process-wide CacheManager tracks every resident page in an LRU queue
// and every dirty page in a FIFO queue, and runs two background workers:
// one evicting pages when memory use crosses the configured limit, one
// flushing dirty pages when the dirty total crosses a bandwidth-adaptive
// limit or pages sit dirty for too long.
package filedata
