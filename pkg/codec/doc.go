/*
Package codec implements the three on-disk formats of the sync engine
and the file name conventions that go with them.

Update logs (.crdtlog) are append-only sequences of records for a
single (instance, note) stream. Each record leads with a status byte:
0x00 while the append is in flight, rewritten in place to 0x01 after
the payload fsync. Readers terminate the visible tail at the first
0x00 byte, which is the engine's only protection against partial reads
on shared filesystems; record writes are deliberately NOT
write-temp-then-rename, because peers rely on append-only semantics
for tail detection. Legacy one-update-per-file .yjson names are still
parsed for reading.

Packs compact a contiguous sequence range [startSeq, endSeq] for one
instance into a single indexed file, optionally zstd-framed (the
.yjson.zst suffix says which).

Snapshots carry a document's full state plus the vector clock it
absorbed, and are written atomically under a name encoding creation
time and total change count, which is also the load-preference order.
*/
package codec
