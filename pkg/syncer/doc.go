/*
Package syncer drives cross-instance reconciliation: it watches every
SD's activity directory, reads peer logs from their persisted offsets,
and turns announced writes into note reloads.

The order of arrival is the whole problem. An activity entry is fsync'd
before the write is announced, but cloud filesystems deliver the entry
and the update file in either order, so every entry is verified against
the SD's on-disk state before a reload fires. Entries whose data has
not landed retry with exponential backoff; past the retry budget they
become stale-sync entries, surfaced to the UI with retry and skip
operations. A peer's persisted offset only advances once its whole
pending batch has resolved, so nothing announced is ever silently
passed over.

Within one peer's log, entries apply in file order. Across peers there
is no ordering promise; the CRDT absorbs arbitrary interleavings.

Watchers are paired with a periodic rescan of every peer log, because
cloud-storage watchers drop, reorder and batch events. The startup
grace period (handled by the fs adapter's watcher) keeps the initial
event flood from triggering a reload storm; one explicit sync runs
after grace instead.
*/
package syncer
