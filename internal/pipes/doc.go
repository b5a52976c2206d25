// Package pipes provides the output sinks behind engine pipes: text tables,
// JSON lines, CSV, SQLite tables and Redis lists.
package pipes
