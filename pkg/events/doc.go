/*
Package events implements the server-push half of the engine boundary:
an in-process broker fanning typed events (note updates, comment
changes, stale-sync notices, shutdown progress) out to subscribed
shells and windows.

Subscribers receive on buffered channels; a subscriber that falls
behind loses events rather than blocking the engine, since every push
is advisory: authoritative state is always re-readable through the
request surface.
*/
package events
