/*
Package manager implements the in-memory CRDT document registry: the
layer between the editing shell and the per-SD append logs.

For each loaded note it holds the live doc, its SD, a reference count
(one per UI window with the note open), the edit counter driving
snapshot decisions, and a per-note serial write queue.

# The per-note queue is non-negotiable

Every update's (disk write, vector-clock advance, in-memory apply)
triple runs as one job on the note's queue. Concurrent ApplyUpdate
calls that resolved out of order would punch gaps into the
per-instance sequence, and loaders reject gapped tails. The queue is
what makes sequences issue and consume in a single total order per
note; across notes, writes proceed in parallel.

# Origins

Updates are applied to the doc tagged with an Origin. The doc's own
update listener persists only OriginLocal events, which an in-process
embedder produces by mutating the doc directly; the shipped shell
sends all editor input over IPC, so in that deployment every edit
enters through ApplyUpdate as OriginIPC and the listener never
persists. OriginIPC means ApplyUpdate already wrote it, OriginReload
means a peer's disk already holds it, OriginLoad is the initial read.
Matching on the enum (not a string tag) is what breaks the write/apply
cycle.

# Snapshots

A check runs after every ApplyUpdate, on unload, and periodically. The
threshold adapts to the note's edit rate (busy notes snapshot often so
cold loads stay bounded; a note idle past the idle window gets one
settling snapshot). The append-log manager performs the write; the
decision lives here.

# Shutdown

Flush drains the queues; FlushSnapshots walks notes with pending edits
and snapshots them with progress reporting; Destroy cancels timers and
drops the registry.
*/
package manager
