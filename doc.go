// Package searchsync defines the core types, contracts, and helpers used across
// the searchsync codebase. It models the invalidation-and-reindex pipeline that
// keeps an Elasticsearch index consistent with a PostgreSQL object store:
// transaction records, cycle state, the store contracts (PrimaryStore,
// SearchStore, Embedder), the error taxonomy, and retry/backoff plumbing.
// Concrete backends live in subpackages such as pg (PostgreSQL), es
// (Elasticsearch), and queue (in-process and Redis work queues), while the
// indexer subpackage holds the worker pool and cycle controller.
package searchsync

// Versioning model
//
// Every document written during a reindex cycle carries the cycle's xmin as its
// external version. The search store rejects writes whose version is lower than
// the stored one, so a slow worker from an older cycle can never overwrite a
// document already rewritten by a later cycle. last_xmin only advances when a
// cycle finalizes; failed UIDs are recorded in the cycle's errors and picked up
// by their next mutation or a priority request.
