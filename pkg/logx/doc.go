// Package logx is spider's logging layer: a small Logger value over zerolog.
//
// Console output uses a short timestamp and caller; the optional log file
// gets JSON lines. A Service owns the sinks and can be re-applied at
// runtime, and Loggers handed out earlier pick up the change.
package logx
