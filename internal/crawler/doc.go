// Package crawler holds the record model, fetch types and collaborator
// interfaces shared by the frontier, scheduler, worker and emitter packages.
package crawler
