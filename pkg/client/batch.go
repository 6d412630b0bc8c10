package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/ingest"
	"github.com/nicktill/tinyvitals/pkg/normalize"
)

// Source identifies where buffered samples come from.
type Source struct {
	UserID         string
	DeviceID       string
	ManufacturerID string
	PayloadFormat  string
}

// BatchConfig holds configuration for the batcher.
type BatchConfig struct {
	// MaxBatchSize flushes as soon as this many samples are buffered.
	MaxBatchSize int
	FlushEvery   time.Duration
	// FlushTimeout bounds each ingest call.
	FlushTimeout time.Duration
}

// Batcher buffers samples from one device and ingests them in batches.
// Replaying a batch after a failed flush is safe: the server deduplicates.
type Batcher struct {
	client *Client
	source Source
	config BatchConfig
	logger *zap.Logger

	mu      sync.Mutex
	samples []normalize.Sample

	sendMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBatcher creates a batcher; call Start to enable periodic flushes.
func NewBatcher(c *Client, source Source, cfg BatchConfig, logger *zap.Logger) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.MaxBatchSize > ingest.MaxSamplesPerRequest {
		cfg.MaxBatchSize = ingest.MaxSamplesPerRequest
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		client: c,
		source: source,
		config: cfg,
		logger: logger.Named("batcher"),
	}
}

// Start flushes every FlushEvery until Stop is called or ctx is done.
func (b *Batcher) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.flushLoop(ctx)
}

// Add buffers one sample, flushing synchronously when the batch is full.
func (b *Batcher) Add(ctx context.Context, sample normalize.Sample) error {
	b.mu.Lock()
	b.samples = append(b.samples, sample)
	full := len(b.samples) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if full {
		_, err := b.Flush(ctx)
		return err
	}
	return nil
}

// Pending returns the number of buffered samples.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Flush ingests up to MaxBatchSize buffered samples. When the failure may
// be temporary the samples are put back at the front of the buffer;
// batches the server rejected outright are dropped.
func (b *Batcher) Flush(ctx context.Context) (*ingest.Result, error) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	if len(b.samples) == 0 {
		b.mu.Unlock()
		return nil, nil
	}
	n := min(len(b.samples), b.config.MaxBatchSize)
	batch := append([]normalize.Sample(nil), b.samples[:n]...)
	b.samples = append(b.samples[:0], b.samples[n:]...)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.config.FlushTimeout)
	defer cancel()

	res, err := b.client.Ingest(ctx, ingest.Request{
		UserID:         b.source.UserID,
		DeviceID:       b.source.DeviceID,
		ManufacturerID: b.source.ManufacturerID,
		PayloadFormat:  b.source.PayloadFormat,
		Payload:        batch,
	})
	if err != nil {
		if retryable(err) {
			b.mu.Lock()
			b.samples = append(batch, b.samples...)
			b.mu.Unlock()
		}
		return nil, err
	}
	return res, nil
}

func retryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
}

// Stop ends periodic flushing and flushes what is left.
func (b *Batcher) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	for b.Pending() > 0 {
		if _, err := b.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *Batcher) flushLoop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := b.Flush(ctx)
			if err != nil {
				b.logger.Warn("flush failed, samples kept for retry", zap.Error(err), zap.Int("pending", b.Pending()))
				continue
			}
			if res != nil && len(res.Errors) > 0 {
				b.logger.Info("flush ingested with errors", zap.Int("ingested", res.Ingested), zap.Strings("errors", res.Errors))
			}
		}
	}
}
