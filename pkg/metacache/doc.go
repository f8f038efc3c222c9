/*
Package metacache provides the BoltDB-backed metadata cache the sync
engine queries for listing and search.

The CRDT documents on disk are always authoritative; this cache is a
projection, rebuilt opportunistically as updates are applied. Alongside
note metadata and tag relations it stores the pieces of engine state
that must survive restarts but do not belong inside any SD: the SD
registry, the media registry, and the per-(SD, peer) activity-log
offsets the sync layer resumes from.

All data is serialized as JSON in one bucket per entity; create and
update share the same upsert path, and deletes are idempotent.
*/
package metacache
