// Package memory provides the small reuse and buffering primitives shared
// by the hot paths: a typed object pool for encode buffers and a bounded
// drop-oldest ring used as the per-subscriber outbound queue.
package memory
