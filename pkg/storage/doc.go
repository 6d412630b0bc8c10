/*
Package storage provides the pluggable storage abstraction for TinyVitals.

# Storage Interface

The pipeline depends on a small set of capabilities rather than on a
particular database:

  - get-by-key for reference data, streams, raw payloads and rollups
  - conditional create-many for observations, reporting which keys already
    existed instead of failing the batch
  - monotonic merges for stream summaries and raw-payload provenance
  - range queries over observations by stream, or by user + metric across
    all streams

Each consumer takes the narrow interface it needs (ObservationStore,
RollupStore, ...). Backends implement all of them as Store:

  - memory: maps under a mutex, for tests and ephemeral workloads
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

Rollups can additionally live in Redis (pkg/storage/redis), which merges them
server-side.

# Deduplication

Observation IDs are content hashes. CreateObservations is the only dedup
mechanism: it writes an observation only when its ID is absent and returns
the IDs that were already present. Callers never pre-check existence.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	dups, err := store.CreateObservations(ctx, observations)

	recent, err := store.QueryObservations(ctx, storage.ObservationQuery{
	    UserID:     "user-1",
	    MetricCode: "glucose",
	    Descending: true,
	    Limit:      100,
	})

# Retries

Backends classify retryable failures with apperr.Transient (e.g. a BadgerDB
transaction conflict). RetryPolicy.Do retries only those, DefaultRetry making
3 attempts with exponential backoff. Duplicates are never errors.
*/
package storage
