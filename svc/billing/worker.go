package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dorondv/project-management-tool-sub002/pkg/logger"
)

// WorkerConfig tunes the webhook processing worker.
type WorkerConfig struct {
	PullInterval  time.Duration `env:"WEBHOOK_PULL_INTERVAL" envDefault:"2s"`   // PullInterval is how often the worker polls for unprocessed events.
	BatchSize     int           `env:"WEBHOOK_BATCH_SIZE" envDefault:"20"`      // BatchSize is the maximum events claimed per poll.
	MaxConcurrent int           `env:"WEBHOOK_MAX_CONCURRENT" envDefault:"4"`   // MaxConcurrent bounds simultaneous event handlers.
	HandleTimeout time.Duration `env:"WEBHOOK_HANDLE_TIMEOUT" envDefault:"30s"` // HandleTimeout bounds one event's processing, including provider calls.
}

// Worker drains unprocessed webhook events from the store and runs them
// through the Processor. It polls rather than subscribes: the event row is
// the queue, so delivery survives restarts and redeliveries collapse into
// the store's uniqueness guarantee.
type Worker struct {
	events    WebhookEventStore
	processor *Processor
	cfg       WorkerConfig
	workerID  uuid.UUID
	sem       chan struct{}
	log       *slog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	cancel   context.CancelFunc
	stopping atomic.Bool
}

// NewWorker creates a webhook processing worker.
func NewWorker(events WebhookEventStore, processor *Processor, cfg WorkerConfig, log *slog.Logger) *Worker {
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		events:    events,
		processor: processor,
		cfg:       cfg,
		workerID:  uuid.New(),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		log:       log,
	}
}

// Start begins polling in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return fmt.Errorf("webhook worker already started")
	}
	var runCtx context.Context
	runCtx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.stopping.Store(false)
	go w.run(runCtx)

	w.log.Info("webhook worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.Int("max_concurrent", cap(w.sem)))
	return nil
}

// Stop cancels polling and waits for in-flight event handlers to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return fmt.Errorf("webhook worker not started")
	}
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	w.stopping.Store(true)
	cancel()
	w.wg.Wait()

	w.log.Info("webhook worker stopped", slog.String("worker_id", w.workerID.String()))
	return nil
}

// Run starts the worker and returns a function suitable for errgroup.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return w.Stop()
	}
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.drainOnce(ctx); err != nil && ctx.Err() == nil {
				w.log.Error("failed to claim webhook events",
					slog.String("worker_id", w.workerID.String()), logger.Error(err))
			}
		}
	}
}

// DrainOnce claims and processes one batch synchronously. Exposed for the
// administrative reprocess trigger and for tests.
func (w *Worker) DrainOnce(ctx context.Context) error {
	return w.drainOnce(ctx)
}

func (w *Worker) drainOnce(ctx context.Context) error {
	// The lease outlives one handler attempt so the next poll cannot hand
	// an in-flight event to a second goroutine.
	lease := w.cfg.HandleTimeout + w.cfg.PullInterval
	events, err := w.events.ClaimUnprocessed(ctx, w.cfg.BatchSize, lease)
	if err != nil {
		return err
	}

	for _, event := range events {
		select {
		case <-ctx.Done():
			return nil
		case w.sem <- struct{}{}:
		}

		if w.stopping.Load() {
			<-w.sem
			return nil
		}

		w.wg.Add(1)
		go func(ev *WebhookEvent) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.processOne(ev)
		}(event)
	}
	return nil
}

// processOne runs a single event through the processor with panic recovery.
// Errors are recorded on the event row and never propagate: one poisoned
// event must not block independent events behind it.
func (w *Worker) processOne(event *WebhookEvent) {
	// Detached from the worker lifecycle so graceful shutdown lets in-flight
	// events complete.
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.HandleTimeout)
	defer cancel()

	start := time.Now()
	var procErr error

	defer func() {
		if r := recover(); r != nil {
			procErr = fmt.Errorf("panic in webhook handler: %v", r)
		}

		// Bookkeeping writes get their own deadline: when the failure is the
		// handler context expiring, reusing it would drop the error record.
		bookCtx, bookCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer bookCancel()

		if procErr != nil {
			w.log.Error("webhook event processing failed",
				logger.EventID(event.ProviderEventID),
				logger.EventType(string(event.Type)),
				logger.Error(procErr),
				logger.Duration(time.Since(start)))
			if err := w.events.MarkFailed(bookCtx, event.ID, procErr.Error()); err != nil {
				w.log.Error("failed to record webhook event error", logger.EventID(event.ProviderEventID), logger.Error(err))
			}
			return
		}

		if err := w.events.MarkProcessed(bookCtx, event.ID, time.Now().UTC()); err != nil {
			w.log.Error("failed to mark webhook event processed", logger.EventID(event.ProviderEventID), logger.Error(err))
			return
		}
		w.log.Info("webhook event processed",
			logger.EventID(event.ProviderEventID),
			logger.EventType(string(event.Type)),
			logger.Duration(time.Since(start)))
	}()

	procErr = w.processor.Process(ctx, event)
}
