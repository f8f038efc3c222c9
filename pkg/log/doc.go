/*
Package log provides structured logging for the NoteCove sync engine
using zerolog.

Init configures the global logger once at startup (level, JSON or
console output); components then derive child loggers via
WithComponent, and attach entity context with WithSD, WithNote and
WithInstance. All engine log lines carry a component field so a single
shared filesystem full of interleaved instances stays debuggable.
*/
package log
