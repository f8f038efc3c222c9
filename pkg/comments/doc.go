/*
Package comments observes the commentThreads, commentReplies and
commentReactions sub-structures of loaded note documents and emits
typed events for the outer shell.

Only remote changes are broadcast; the local editor already rendered
its own edits. Events debounce per (note, type, thread, reply|reaction)
over a short window so a burst of CRDT merges arriving from a peer
coalesces into one notification. Set DEBUG_COMMENT_SYNC=1 for verbose
per-change logging.
*/
package comments
