/*
Package appendlog owns the on-disk lifecycle of one storage directory:
appending CRDT updates, resolving documents from disk, compacting
update runs into packs, writing snapshots, and garbage-collecting what
snapshots have superseded.

# Layout

	<root>/notes/<noteId>/updates/<instanceId>_<fileIndex>.crdtlog
	<root>/notes/<noteId>/packs/<instanceId>_<start>-<end>.yjson[.zst]
	<root>/notes/<noteId>/snapshots/<timestamp>-<totalChanges>.snapshot
	<root>/folders/{updates,packs,snapshots}/...

The folder tree is one more document stream with the same machinery,
scoped to the SD instead of a note.

# Loading

LoadNote resolves a document in three layers: the best decodable
snapshot (newest first), then packs whose end sequence exceeds the
snapshot's clock, then individual update records strictly above what
is already absorbed. Ties at a boundary are skipped; the snapshot
already encodes them. A file that fails to decode is logged and
skipped; loads never abort. A gap in an instance's update tail stops
that stream for this load: the missing write belongs to a peer and
will arrive; the vector clock must not claim coverage past it.

# Writing

WriteNoteUpdate assigns the next contiguous sequence for this
instance, appends the record with an in-progress status byte, fsyncs,
then flips the byte to ready in place. Batched files rotate at the
size threshold. Only one writer exists per (instance, stream) by
construction; the CRDT manager's per-note queue serializes callers.

# Maintenance

Packing (every 5 minutes) compacts contiguous runs of settled records
(at least 5 minutes old, leaving the 50 most recent unpacked, runs of
10 or more) into indexed pack files, optionally zstd-framed. GC
(every 30 minutes) removes update files that are both dominated by a
snapshot and covered by a pack, packs fully dominated by the latest
snapshot, and snapshots beyond the retained pair. Both sweeps yield to
in-flight snapshot writes between documents, so a long cycle cannot
starve a snapshot that shutdown is waiting on.
*/
package appendlog
