/*
Package activity implements the per-(instance, SD) activity log: an
append-only, fsync'd index of "<noteId>|<instanceId>_<sequence>" lines
announcing this instance's writes to peers sharing the storage
directory.

The log is authoritative about this instance's edits; peers discover
each other by listing the other .log files in the .activity directory.
An entry may become visible before the update file it announces
(cloud filesystems deliver files in arbitrary order), so consumers
verify the underlying data exists and retry when it does not.
*/
package activity
