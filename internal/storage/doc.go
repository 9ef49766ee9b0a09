// Package storage persists pending-response obligations and platform stats.
//
// Relational backends (sqlite, postgres) share one implementation and differ
// only in dialect. The redis backend keeps a hash per obligation plus index
// sets. The memory backend is for tests and local runs.
package storage
