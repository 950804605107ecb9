package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dockhand-io/dockhand/internal/domain/telemetry"
)

// ingestItem carries one telemetry record through the worker channel.
// Exactly one of the fields is set.
type ingestItem struct {
	metrics *telemetry.MetricsRecord
	event   *telemetry.EventRecord
}

// IngestService provides async persistence of agent-pushed telemetry with
// a buffered channel and background worker. Frame routing never blocks on
// storage: under sustained pressure records are dropped and counted.
type IngestService struct {
	metricsStore  telemetry.MetricsStore
	eventStore    telemetry.EventStore
	items         chan ingestItem
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int           // Track capacity for monitoring
	sendTimeout time.Duration // 0 = drop immediately, >0 = block up to this duration
	dropCount   atomic.Int64  // Lock-free drop counter

	warningThreshold int          // Percentage (0-100), e.g., 80
	lastWarning      atomic.Int64 // Rate-limit warning logs (Unix nanos)
}

// IngestOption configures IngestService.
type IngestOption func(*IngestService)

// WithBatchSize sets the number of records to batch before writing.
func WithBatchSize(size int) IngestOption {
	return func(s *IngestService) {
		s.batchSize = size
	}
}

// WithFlushInterval sets the interval to flush pending records.
func WithFlushInterval(interval time.Duration) IngestOption {
	return func(s *IngestService) {
		s.flushInterval = interval
	}
}

// WithChannelSize sets the size of the ingest channel buffer.
func WithChannelSize(size int) IngestOption {
	return func(s *IngestService) {
		s.items = make(chan ingestItem, size)
		s.channelSize = size
	}
}

// WithSendTimeout sets the backpressure timeout.
// 0 = drop immediately (no blocking), >0 = block up to this duration before dropping.
func WithSendTimeout(timeout time.Duration) IngestOption {
	return func(s *IngestService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel depth warning percentage (0-100).
// A warning is logged when channel depth exceeds this percentage of capacity.
func WithWarningThreshold(percent int) IngestOption {
	return func(s *IngestService) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		s.warningThreshold = percent
	}
}

// NewIngestService creates a new IngestService over the given stores.
func NewIngestService(metricsStore telemetry.MetricsStore, eventStore telemetry.EventStore, logger *slog.Logger, opts ...IngestOption) *IngestService {
	defaultChannelSize := 1000
	s := &IngestService{
		metricsStore:     metricsStore,
		eventStore:       eventStore,
		items:            make(chan ingestItem, defaultChannelSize),
		logger:           logger,
		batchSize:        100,
		flushInterval:    time.Second,
		channelSize:      defaultChannelSize,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins the background worker that batches and writes records.
func (s *IngestService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// RecordMetrics queues one metrics snapshot for persistence.
func (s *IngestService) RecordMetrics(endpointID string, ts time.Time, payload json.RawMessage) {
	s.send(ingestItem{metrics: &telemetry.MetricsRecord{
		EndpointID: endpointID,
		Timestamp:  ts,
		ReceivedAt: time.Now().UTC(),
		Payload:    payload,
	}})
}

// RecordEvent queues one container event for persistence.
func (s *IngestService) RecordEvent(endpointID string, ts time.Time, payload json.RawMessage) {
	s.send(ingestItem{event: &telemetry.EventRecord{
		EndpointID: endpointID,
		Timestamp:  ts,
		ReceivedAt: time.Now().UTC(),
		Payload:    payload,
	}})
}

// send delivers an item to the background worker.
// Applies backpressure: attempts fast non-blocking send, then blocks up to
// sendTimeout. If the timeout expires, the item is dropped and counted.
func (s *IngestService) send(item ingestItem) {
	// Check channel depth for early warning (rate-limited)
	if s.warningThreshold > 0 {
		depth := len(s.items)
		threshold := s.channelSize * s.warningThreshold / 100
		if depth >= threshold {
			s.warnChannelDepth(depth)
		}
	}

	// Fast path: non-blocking send
	select {
	case s.items <- item:
		return
	default:
		// Channel full - apply backpressure
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(item)
		return
	}

	// Slow path: block with timeout
	select {
	case s.items <- item:
		return
	case <-time.After(s.sendTimeout):
		s.recordDrop(item)
	}
}

// recordDrop increments counter and logs drop
func (s *IngestService) recordDrop(item ingestItem) {
	drops := s.dropCount.Add(1)
	endpointID := ""
	kind := "event"
	if item.metrics != nil {
		endpointID = item.metrics.EndpointID
		kind = "metrics"
	} else if item.event != nil {
		endpointID = item.event.EndpointID
	}
	s.logger.Warn("telemetry record dropped",
		"kind", kind,
		"endpoint_id", endpointID,
		"total_drops", drops,
	)
}

// warnChannelDepth logs warning about channel capacity (rate-limited to once per second).
func (s *IngestService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()

	if now-last < int64(time.Second) {
		return
	}

	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("ingest channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedRecords returns total dropped records (for metrics/alerting).
func (s *IngestService) DroppedRecords() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns current channel usage (for monitoring).
func (s *IngestService) ChannelDepth() int {
	return len(s.items)
}

// ChannelCapacity returns channel buffer size (for percentage calculation).
func (s *IngestService) ChannelCapacity() int {
	return s.channelSize
}

// Stop signals the worker to stop and waits for it to finish.
// Pending records are flushed before returning.
func (s *IngestService) Stop() {
	close(s.items)
	s.wg.Wait()
}

// worker is the background goroutine that collects and flushes records.
func (s *IngestService) worker(ctx context.Context) {
	defer s.wg.Done()

	metricsBatch := make([]telemetry.MetricsRecord, 0, s.batchSize)
	eventsBatch := make([]telemetry.EventRecord, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	finalFlush := func() {
		if len(metricsBatch) > 0 || len(eventsBatch) > 0 {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.flush(flushCtx, metricsBatch, eventsBatch)
			flushCancel()
		}
	}

	for {
		select {
		case item, ok := <-s.items:
			if !ok {
				// Channel closed - final flush with bounded deadline
				finalFlush()
				return
			}
			if item.metrics != nil {
				metricsBatch = append(metricsBatch, *item.metrics)
			}
			if item.event != nil {
				eventsBatch = append(eventsBatch, *item.event)
			}

			if len(metricsBatch)+len(eventsBatch) >= s.batchSize {
				s.flush(ctx, metricsBatch, eventsBatch)
				metricsBatch = metricsBatch[:0]
				eventsBatch = eventsBatch[:0]
			}

		case <-ticker.C:
			if len(metricsBatch)+len(eventsBatch) > 0 {
				s.flush(ctx, metricsBatch, eventsBatch)
				metricsBatch = metricsBatch[:0]
				eventsBatch = eventsBatch[:0]
			}

		case <-ctx.Done():
			// Context cancelled - drain channel and flush with bounded deadline
			for item := range s.items {
				if item.metrics != nil {
					metricsBatch = append(metricsBatch, *item.metrics)
				}
				if item.event != nil {
					eventsBatch = append(eventsBatch, *item.event)
				}
			}
			finalFlush()
			return
		}
	}
}

// flush writes batches to the stores.
// Errors are logged but not propagated - telemetry persistence must not
// fail tunnel operations.
func (s *IngestService) flush(ctx context.Context, metricsBatch []telemetry.MetricsRecord, eventsBatch []telemetry.EventRecord) {
	if len(metricsBatch) > 0 {
		if err := s.metricsStore.AppendMetrics(ctx, metricsBatch...); err != nil {
			s.logger.Error("failed to write metrics batch",
				"error", err,
				"count", len(metricsBatch),
			)
		}
	}
	if len(eventsBatch) > 0 {
		if err := s.eventStore.AppendEvents(ctx, eventsBatch...); err != nil {
			s.logger.Error("failed to write events batch",
				"error", err,
				"count", len(eventsBatch),
			)
		}
	}
}
