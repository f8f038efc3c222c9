/*
Package types defines the entity and value types shared across the
NoteCove sync engine: identifiers, update records, vector clocks, note
and folder metadata, the Origin tag threaded through the apply
pipeline, and the engine-wide error kinds.

# Identifiers

All entity IDs are UUIDs, canonicalized to lowercase hyphenated form by
NormalizeID. Bare 32-char hex is accepted on input; image IDs
additionally accept the content-hash form (NormalizeImageID). Instance
IDs are UUIDs minted once per installation and persisted per storage
directory.

# Vector clocks

A VectorClock answers "has update (instance, seq) been absorbed?" and
carries per-instance file coordinates so GC can tell which update files
a snapshot supersedes. Sequences start at 0 and are strictly
contiguous per (instance, note); absence from the clock means nothing
has been absorbed for that instance.

# Errors

Every failure escaping an engine package wraps one of the sentinel
kinds (ErrNotFound, ErrConflict, ErrIoTransient, ErrIoFatal, ErrDecode,
ErrSequenceGap, ErrInvariant, ErrMoveConflict) so callers classify with
errors.Is rather than string matching. IOError is the standard wrapper
for filesystem failures, carrying op and path for logs.
*/
package types
