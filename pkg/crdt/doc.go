/*
Package crdt implements the conflict-free document type the sync
engine replicates: per-note rich text (as ordered content blocks), a
metadata map, the three comment sub-structures, and the per-SD folder
tree.

Every field is a last-writer-wins register stamped with a lamport
clock and the writing instance ID; ties break on instance ID, so every
replica resolves concurrent writes identically. Merging an update is
commutative and idempotent: updates may arrive from peers in any
interleaving, any number of times, and all replicas converge.

Update payloads and snapshot states are opaque byte slices to the rest
of the engine: the append log stores them, the activity-sync layer
ships their coordinates around, and only this package looks inside.

Local edits call BuildUpdate to assemble a stamped payload, which then
travels through the manager's write pipeline (disk first, then
ApplyUpdate with the IPC origin). The origin tag on delivered events
is how the persistence listener avoids re-writing updates that are
already on disk.
*/
package crdt
