// Package reconcile implements the collection reconciler.
//
// The reconciler:
//   - Applies an initial snapshot wholesale
//   - Folds create/update events in as id-keyed upserts
//   - Keeps existing entities in place and puts new ones at the front
//   - Guards every mutation with its own lock
//   - Notifies subscribers after each change
package reconcile
