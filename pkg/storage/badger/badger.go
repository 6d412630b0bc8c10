package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/apperr"
	"github.com/nicktill/tinyvitals/pkg/model"
	"github.com/nicktill/tinyvitals/pkg/storage"
)

// Key prefixes. Index keys carry an xxhash of their partition plus a
// big-endian timestamp so prefix scans come back in time order.
var (
	prefixDevice       = []byte("dev/")
	prefixManufacturer = []byte("mfr/")
	prefixMetric       = []byte("met/")
	prefixMapping      = []byte("map/")
	prefixStream       = []byte("str/")
	prefixUserStream   = []byte("ustr/")
	prefixObservation  = []byte("obs/")
	prefixStreamIndex  = []byte("oidx/s/")
	prefixUserIndex    = []byte("oidx/u/")
	prefixRawPayload   = []byte("raw/")
	prefixRollup       = []byte("rol/")
)

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64

	// Logger receives BadgerDB's internal logs (nil = silent)
	Logger *zap.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Laptop-friendly default: 16 MB memtable, caches sized from it
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20). // 64 MB value log files instead of default 2GB
		WithLogger(nil)

	if cfg.Logger != nil {
		opts = opts.WithLogger(zapLogger{cfg.Logger.Named("badger").Sugar()})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// run executes a read-only fn off the caller's goroutine so a cancelled
// context returns promptly even while badger is blocked. Updates use write.
func (s *Storage) run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if errors.Is(err, badger.ErrConflict) {
			return apperr.Transient(op, err)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// write runs an update to completion and reports its commit result. Unlike
// run it never abandons fn on cancellation: a transaction may still commit
// after ctx is done, so the caller must learn whether it did. Updates check
// ctx themselves and abort before commit.
func (s *Storage) write(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := fn()
	if errors.Is(err, badger.ErrConflict) {
		return apperr.Transient(op, err)
	}
	return err
}

func key(prefix []byte, id string) []byte {
	k := make([]byte, 0, len(prefix)+len(id))
	k = append(k, prefix...)
	return append(k, id...)
}

func getJSON[T any](s *Storage, ctx context.Context, op string, k []byte) (*T, error) {
	var out T
	err := s.run(ctx, op, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return readJSON(txn, k, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func putJSON(s *Storage, ctx context.Context, op string, k []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", op, err)
	}
	return s.write(ctx, op, func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(k, value)
		})
	})
}

// readJSON decodes the value at k; missing keys map to storage.ErrNotFound.
func readJSON(txn *badger.Txn, k []byte, out any) error {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func writeJSON(txn *badger.Txn, k []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, value)
}

func (s *Storage) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	return getJSON[model.Device](s, ctx, "get device", key(prefixDevice, id))
}

func (s *Storage) PutDevice(ctx context.Context, d model.Device) error {
	return putJSON(s, ctx, "put device", key(prefixDevice, d.ID), d)
}

// TouchDevice advances LastSeenAt inside one transaction
func (s *Storage) TouchDevice(ctx context.Context, id string, at time.Time) error {
	return s.write(ctx, "touch device", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			k := key(prefixDevice, id)
			var d model.Device
			if err := readJSON(txn, k, &d); err != nil {
				return err
			}
			if d.LastSeenAt != nil && !at.After(*d.LastSeenAt) {
				return nil
			}
			d.LastSeenAt = &at
			return writeJSON(txn, k, d)
		})
	})
}

func (s *Storage) GetManufacturer(ctx context.Context, id string) (*model.Manufacturer, error) {
	return getJSON[model.Manufacturer](s, ctx, "get manufacturer", key(prefixManufacturer, id))
}

func (s *Storage) PutManufacturer(ctx context.Context, m model.Manufacturer) error {
	return putJSON(s, ctx, "put manufacturer", key(prefixManufacturer, m.ID), m)
}

func (s *Storage) GetMetric(ctx context.Context, code string) (*model.Metric, error) {
	return getJSON[model.Metric](s, ctx, "get metric", key(prefixMetric, code))
}

func (s *Storage) PutMetric(ctx context.Context, m model.Metric) error {
	return putJSON(s, ctx, "put metric", key(prefixMetric, m.Code), m)
}

func (s *Storage) GetMetricMapping(ctx context.Context, id string) (*model.MetricMapping, error) {
	return getJSON[model.MetricMapping](s, ctx, "get metric mapping", key(prefixMapping, id))
}

func (s *Storage) PutMetricMapping(ctx context.Context, m model.MetricMapping) error {
	return putJSON(s, ctx, "put metric mapping", key(prefixMapping, m.ID), m)
}

func (s *Storage) GetStream(ctx context.Context, id string) (*model.Stream, error) {
	return getJSON[model.Stream](s, ctx, "get stream", key(prefixStream, id))
}

// MergeStreams applies monotonic stream updates in one transaction
func (s *Storage) MergeStreams(ctx context.Context, updates []storage.StreamUpdate) error {
	return s.write(ctx, "merge streams", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			for _, u := range updates {
				k := key(prefixStream, u.Template.ID)
				var cur model.Stream
				var existing *model.Stream
				switch err := readJSON(txn, k, &cur); {
				case err == nil:
					existing = &cur
				case !errors.Is(err, storage.ErrNotFound):
					return err
				}

				merged := storage.MergeStream(existing, u)
				if err := writeJSON(txn, k, merged); err != nil {
					return err
				}
				if existing == nil {
					if err := txn.Set(userStreamKey(merged.UserID, merged.ID), nil); err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
}

// ListStreamsByUser returns the user's streams, most recently observed first
func (s *Storage) ListStreamsByUser(ctx context.Context, userID string, limit int) ([]model.Stream, error) {
	var results []model.Stream
	err := s.run(ctx, "list streams", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			prefix := partitionPrefix(prefixUserStream, userID)
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				streamID := string(it.Item().Key()[len(prefix):])
				var st model.Stream
				if err := readJSON(txn, key(prefixStream, streamID), &st); err != nil {
					return err
				}
				// partition hash can collide
				if st.UserID == userID {
					results = append(results, st)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.LastObservationAt.Equal(b.LastObservationAt) {
			return a.LastObservationAt.After(b.LastObservationAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CreateObservations writes observations whose IDs are absent, all in one
// transaction. Two writers racing on the same ID conflict at commit; the
// loser gets a transient error and sees the ID as a duplicate on retry.
func (s *Storage) CreateObservations(ctx context.Context, obs []model.Observation) ([]string, error) {
	var duplicates []string
	err := s.write(ctx, "create observations", func() error {
		duplicates = duplicates[:0]
		return s.db.Update(func(txn *badger.Txn) error {
			for i, o := range obs {
				// Check context periodically (every 100 observations)
				if i%100 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				k := key(prefixObservation, o.ID)
				_, err := txn.Get(k)
				if err == nil {
					duplicates = append(duplicates, o.ID)
					continue
				}
				if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}

				if err := writeJSON(txn, k, o); err != nil {
					return fmt.Errorf("failed to write observation: %w", err)
				}
				if err := txn.Set(indexKey(prefixStreamIndex, o.StreamID, o.ObservedAt, o.ID), nil); err != nil {
					return err
				}
				if err := txn.Set(indexKey(prefixUserIndex, userMetric(o.UserID, o.MetricCode), o.ObservedAt, o.ID), nil); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return duplicates, nil
}

// QueryObservations scans the stream index or the user+metric index
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) QueryObservations(ctx context.Context, q storage.ObservationQuery) ([]model.Observation, error) {
	var prefix []byte
	switch {
	case q.StreamID != "":
		prefix = partitionPrefix(prefixStreamIndex, q.StreamID)
	case q.UserID != "" && q.MetricCode != "":
		prefix = partitionPrefix(prefixUserIndex, userMetric(q.UserID, q.MetricCode))
	default:
		return nil, apperr.Validationf("observation query needs a stream or a user and metric")
	}

	var results []model.Observation
	err := s.run(ctx, "query observations", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			opts.Reverse = q.Descending

			it := txn.NewIterator(opts)
			defer it.Close()

			var seek []byte
			if q.Descending {
				end := q.End
				if end.IsZero() {
					seek = append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
				} else {
					// one past the last key at End
					seek = append(timeKey(prefix, end), 0xFF)
				}
			} else {
				seek = timeKey(prefix, q.Start)
			}

			var iterCount int
			for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				ts := decodeTime(it.Item().Key()[len(prefix) : len(prefix)+8])
				if !q.InRange(ts) {
					if (q.Descending && !q.Start.IsZero() && ts.Before(q.Start)) ||
						(!q.Descending && !q.End.IsZero() && ts.After(q.End)) {
						break
					}
					continue
				}

				id := string(it.Item().Key()[len(prefix)+8:])
				var o model.Observation
				if err := readJSON(txn, key(prefixObservation, id), &o); err != nil {
					return err
				}
				if !q.Matches(o) {
					continue
				}
				results = append(results, o)
				if q.Limit > 0 && len(results) >= q.Limit {
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// MergeRawPayloads creates or extends provenance records in one transaction
func (s *Storage) MergeRawPayloads(ctx context.Context, payloads []model.RawPayload) error {
	return s.write(ctx, "merge raw payloads", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			for _, p := range payloads {
				k := key(prefixRawPayload, p.ID)
				var cur model.RawPayload
				var existing *model.RawPayload
				switch err := readJSON(txn, k, &cur); {
				case err == nil:
					existing = &cur
				case !errors.Is(err, storage.ErrNotFound):
					return err
				}
				if err := writeJSON(txn, k, storage.MergeRawPayload(existing, p)); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *Storage) GetRawPayload(ctx context.Context, id string) (*model.RawPayload, error) {
	return getJSON[model.RawPayload](s, ctx, "get raw payload", key(prefixRawPayload, id))
}

func (s *Storage) GetRollup(ctx context.Context, streamID, day string) (*model.DailyRollup, error) {
	return getJSON[model.DailyRollup](s, ctx, "get rollup", key(prefixRollup, model.RollupID(streamID, day)))
}

func (s *Storage) PutRollup(ctx context.Context, r model.DailyRollup) error {
	return putJSON(s, ctx, "put rollup", key(prefixRollup, r.ID), r)
}

// GetRollups returns the rollups that exist among days
func (s *Storage) GetRollups(ctx context.Context, streamID string, days []string) ([]model.DailyRollup, error) {
	results := make([]model.DailyRollup, 0, len(days))
	err := s.run(ctx, "get rollups", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			for _, day := range days {
				var r model.DailyRollup
				err := readJSON(txn, key(prefixRollup, model.RollupID(streamID, day)), &r)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				results = append(results, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted/updated values
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	counters := []struct {
		prefix []byte
		dst    *uint64
	}{
		{prefixDevice, &stats.Devices},
		{prefixStream, &stats.Streams},
		{prefixObservation, &stats.Observations},
		{prefixRawPayload, &stats.RawPayloads},
		{prefixRollup, &stats.Rollups},
	}

	err := s.run(ctx, "stats", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			for _, c := range counters {
				opts := badger.DefaultIteratorOptions
				opts.PrefetchValues = false
				opts.Prefix = c.prefix

				it := txn.NewIterator(opts)
				var iterCount int
				for it.Seek(c.prefix); it.ValidForPrefix(c.prefix); it.Next() {
					iterCount++
					if iterCount%1000 == 0 && ctx.Err() != nil {
						it.Close()
						return ctx.Err()
					}
					*c.dst++
				}
				it.Close()
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// partitionPrefix creates an index prefix: tag + xxhash(partition)
// Format: [tag][partition_hash (8 bytes)]
func partitionPrefix(tag []byte, partition string) []byte {
	k := make([]byte, len(tag)+8)
	copy(k, tag)
	binary.BigEndian.PutUint64(k[len(tag):], xxhash.Sum64String(partition))
	return k
}

// timeKey appends a sortable timestamp to prefix.
func timeKey(prefix []byte, ts time.Time) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], encodeTime(ts))
	return k
}

// indexKey creates a sortable index key: tag + partition_hash + timestamp + id
func indexKey(tag []byte, partition string, ts time.Time, id string) []byte {
	return append(timeKey(partitionPrefix(tag, partition), ts), id...)
}

func userStreamKey(userID, streamID string) []byte {
	return append(partitionPrefix(prefixUserStream, userID), streamID...)
}

func userMetric(userID, metricCode string) string {
	return userID + "\x00" + metricCode
}

// encodeTime flips the sign bit so pre-1970 instants sort before later ones.
func encodeTime(ts time.Time) uint64 {
	if ts.IsZero() {
		return 0
	}
	return uint64(ts.UnixNano()) ^ (1 << 63)
}

func decodeTime(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)^(1<<63))).UTC()
}

// zapLogger adapts zap to badger.Logger
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l zapLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l zapLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l zapLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
