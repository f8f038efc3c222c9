/*
Package fsadapter is the single surface all disk I/O in the sync engine
goes through.

The engine shares its storage directories with peer processes over
filesystems it does not control, including cloud-storage overlays
(iCloud, Dropbox, OneDrive) that reorder, defer, or partially deliver
writes. Concentrating every file operation here keeps the defensive
machinery in one place:

  - WriteAtomic writes to a temp name, fsyncs, renames into place and
    fsyncs the parent directory, so the destination path is never
    visible partially written.
  - Append opens in O_APPEND mode and fsyncs before close; update logs
    and activity logs rely on tail-monotonicity.
  - RewriteByteAt flips a single byte in place, used for the update
    record status byte.
  - Transient failures (EAGAIN, EBUSY, ESTALE, ...) are retried with
    exponential backoff, capped at three attempts; everything else maps
    to NotFound, Conflict or IoFatal and is returned to the caller.

# Watching

Watch wraps fsnotify. Two behaviors are layered on top of the raw
event stream:

  - duplicate events for the same (op, path) within a 50 ms window are
    coalesced;
  - during the startup grace period after opening an SD, events are
    buffered and delivered in one batch once grace ends, so the
    watcher's initial flood over existing files cannot trigger a
    reload storm against a cold cache.

Watchers may still drop, reorder or batch events on cloud filesystems;
the activity-sync layer pairs every watcher with a periodic rescan.
*/
package fsadapter
