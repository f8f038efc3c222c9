/*
Package service is the engine's asynchronous request/response boundary:
typed operations over notes (load, unload, applyUpdate, create, delete,
restore, move, moveToSD, getState, search, ...), folders, storage
directories and sync state, plus the subscription entry point for
server-push events.

The exact wire encoding is the outer shell's concern; this package
defines the operations, their parameters and their typed outcomes, and
nothing about framing. Load references taken through NoteLoad are held
here per window and released by NoteUnload, keeping the manager's
refcounts honest across the IPC boundary.
*/
package service
