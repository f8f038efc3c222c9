/*
Package router dispatches every note, folder and SD operation to the
correct storage directory. It owns one append-log manager, one
activity logger and one watcher set per open SD, plus the SD's live
folder-tree document.

SD identity is resolved on open: the SD_ID file is read or minted, and
the legacy .sd-id file is migrated into it (the legacy value wins when
the two disagree). Resolution of a note's SD goes explicit argument →
in-memory state → metadata cache → the router's active SD; the default
is an explicit context value held here, never a silent fallback in
leaf code. The ambiguity that a string-"default" fallback invites is
exactly how multi-SD notes end up written under the wrong root.

Cross-SD moves write the note's full state into the target SD as a
fresh stream (one snapshot, one first update), tombstone the source
copy via a metadata update, and announce the change in both SDs'
activity logs. Conflicts in the target resolve by replace, keepBoth
(new ID), or cancel.

An SD hit by a fatal I/O error is detached from the running engine and
left registered, so it returns at next startup if the disk does.
*/
package router
