// Package cache defines the generation-based response store used by the
// worker. A Storage holds named cache generations; each generation maps a
// request identity (GET + absolute URL) to an immutable response snapshot.
// Two drivers are provided: "fs" keeps one JSON entry file per request under
// StoragePath/<generation>/, written with temp file + rename, and "leveldb"
// keeps every generation in a single goleveldb database under key prefixes.
// Lifecycle code creates and purges generations; the router only reads and
// writes entries of the active one.
package cache
