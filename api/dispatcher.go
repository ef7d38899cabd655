package api

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"payment-recon/domain"
)

// sideEffectJob carries the commands owed for one committed transition.
type sideEffectJob struct {
	ref  string
	cmds []domain.Command
}

type dispatcherConfig struct {
	bufferSize      int
	workerCount     int
	batchSize       int
	flushInterval   time.Duration
	enqueueTimeout  time.Duration
	handoffTimeout  time.Duration
	retryInitial    time.Duration
	retryMax        time.Duration
	retryAttempts   int
	walDir          string
	walSegmentSize  int64
	walSyncEvery    int
	walSyncInterval time.Duration
}

// sideEffectDispatcher drains WAL-persisted side-effect tasks into the
// collaborator command queue. A failed handoff is retried with capped
// exponential backoff; participation state is never touched here.
type sideEffectDispatcher struct {
	cfg      dispatcherConfig
	store    Store
	logger   *log.Logger
	wal      *wal
	workCh   chan *sideEffectTask
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu        sync.Mutex
	inflight  map[uint64]*sideEffectTask
	acked     map[uint64]struct{}
	nextAck   uint64
	closing   bool
	delivered atomic.Uint64
	started   time.Time
}

var (
	globalDispatcher *sideEffectDispatcher
	dispatcherOnce   sync.Once
)

var errDispatcherSaturated = errors.New("side-effect dispatcher is saturated")

func initSideEffectDispatcher(store Store, logger *log.Logger) {
	dispatcherOnce.Do(func() {
		if store == nil {
			panic("storage is required")
		}
		if logger == nil {
			panic("logger is required")
		}

		cfg := dispatcherConfig{
			bufferSize:      envInt("DISPATCH_BUFFER", 4096),
			workerCount:     envInt("DISPATCH_WORKERS", 16),
			batchSize:       envInt("DISPATCH_BATCH", 32),
			flushInterval:   envDur("DISPATCH_FLUSH_INTERVAL", 5*time.Millisecond),
			enqueueTimeout:  envDur("DISPATCH_ENQUEUE_TIMEOUT", 60*time.Second),
			handoffTimeout:  envDur("DISPATCH_HANDOFF_TIMEOUT", 25*time.Millisecond),
			retryInitial:    envDur("DISPATCH_RETRY_INITIAL", 250*time.Millisecond),
			retryMax:        envDur("DISPATCH_RETRY_MAX", 30*time.Second),
			retryAttempts:   envInt("DISPATCH_RETRY_ATTEMPTS", 5),
			walDir:          envString("DISPATCH_DIR", filepath.Join(os.TempDir(), "payment-recon-dispatch")),
			walSegmentSize:  int64(envInt("DISPATCH_SEGMENT_MB", 128)) * 1024 * 1024,
			walSyncEvery:    envInt("DISPATCH_SYNC_EVERY", 1),
			walSyncInterval: envDur("DISPATCH_SYNC_INTERVAL", 2*time.Millisecond),
		}
		if cfg.workerCount <= 0 {
			cfg.workerCount = 1
		}
		if cfg.batchSize <= 0 {
			cfg.batchSize = 1
		}
		if cfg.bufferSize <= 0 {
			cfg.bufferSize = cfg.workerCount * cfg.batchSize * 2
		}
		if cfg.walSegmentSize <= 0 {
			cfg.walSegmentSize = 64 * 1024 * 1024
		}
		if cfg.walSyncEvery <= 0 {
			cfg.walSyncEvery = 1
		}

		walCfg := walConfig{
			dir:          cfg.walDir,
			segmentBytes: cfg.walSegmentSize,
			syncEvery:    cfg.walSyncEvery,
			syncInterval: cfg.walSyncInterval,
			logger:       logger,
		}

		w, pending, err := openWAL(walCfg)
		if err != nil {
			logger.Fatalf("failed to initialize side-effect WAL: %v", err)
		}

		globalDispatcher = newSideEffectDispatcher(cfg, store, logger, w, pending)
		globalDispatcher.start()
	})
}

func newSideEffectDispatcher(cfg dispatcherConfig, store Store, logger *log.Logger, w *wal, pending []*sideEffectTask) *sideEffectDispatcher {
	d := &sideEffectDispatcher{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		wal:      w,
		workCh:   make(chan *sideEffectTask, cfg.bufferSize),
		stopCh:   make(chan struct{}),
		inflight: make(map[uint64]*sideEffectTask),
		acked:    make(map[uint64]struct{}),
		nextAck:  w.committedOffset,
		started:  time.Now().UTC(),
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].Offset < pending[j].Offset })
	for _, task := range pending {
		cpy := task
		d.inflight[task.Offset] = cpy
	}

	go func() {
		for _, task := range pending {
			d.enqueueRecovered(task)
		}
	}()

	return d
}

func (d *sideEffectDispatcher) start() {
	for i := 0; i < d.cfg.workerCount; i++ {
		d.workerWG.Add(1)
		go d.worker(i)
	}
	if d.wal.cfg.syncInterval > 0 {
		go d.syncLoop()
	}
}

func (d *sideEffectDispatcher) syncLoop() {
	ticker := time.NewTicker(d.wal.cfg.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.wal.mu.Lock()
			if err := d.wal.syncLocked(); err != nil {
				if errors.Is(err, errWALClosed) {
					d.wal.mu.Unlock()
					return
				}
				d.logger.WithError(err).Error("dispatcher wal sync failed")
			}
			d.wal.mu.Unlock()
		case <-d.stopCh:
			return
		}
	}
}

func (d *sideEffectDispatcher) shutdown() {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.closing = true
	close(d.stopCh)
	d.mu.Unlock()

	// Retry goroutines re-submit into workCh, so they must finish first.
	d.retryWG.Wait()
	close(d.workCh)
	d.workerWG.Wait()
	d.wal.close()
}

func (d *sideEffectDispatcher) enqueueRecovered(task *sideEffectTask) {
	select {
	case d.workCh <- task:
	case <-d.stopCh:
	}
}

func (d *sideEffectDispatcher) enqueue(job sideEffectJob) error {
	if len(job.cmds) == 0 {
		return nil
	}

	task := &sideEffectTask{
		Ref:       job.ref,
		Commands:  cloneCommands(job.cmds),
		Timestamp: time.Now().UTC(),
	}

	d.wal.mu.Lock()
	if err := d.wal.appendTaskLocked(task); err != nil {
		d.wal.mu.Unlock()
		return err
	}
	if err := d.wal.syncIfNeededLocked(); err != nil {
		if rbErr := d.wal.rollbackTaskLocked(task); rbErr != nil {
			d.logger.WithError(rbErr).Error("wal rollback failed")
		}
		d.wal.mu.Unlock()
		return err
	}

	d.wal.mu.Unlock()

	d.mu.Lock()
	d.inflight[task.Offset] = task
	d.mu.Unlock()

	if err := d.handoff(task); err != nil {
		// The record is already durable; a full buffer only defers
		// delivery, it must never drop commands for a committed
		// transition.
		d.logger.WithError(err).Warnf("side-effect handoff deferred, ref=%s, offset=%d", task.Ref, task.Offset)
		d.scheduleRetry(task)
	}
	return nil
}

func (d *sideEffectDispatcher) handoff(task *sideEffectTask) error {
	if d.cfg.handoffTimeout <= 0 {
		select {
		case d.workCh <- task:
			return nil
		default:
			return errDispatcherSaturated
		}
	}

	timer := time.NewTimer(d.cfg.handoffTimeout)
	defer timer.Stop()

	select {
	case d.workCh <- task:
		return nil
	case <-timer.C:
		return errDispatcherSaturated
	case <-d.stopCh:
		return errors.New("dispatcher shutting down")
	}
}

func (d *sideEffectDispatcher) worker(id int) {
	defer d.workerWG.Done()

	batch := make([]*sideEffectTask, 0, d.cfg.batchSize)
	timer := time.NewTimer(d.cfg.flushInterval)
	defer timer.Stop()
	for {
		if len(batch) == 0 {
			select {
			case task, ok := <-d.workCh:
				if !ok {
					return
				}
				if task == nil {
					continue
				}
				batch = append(batch, task)
				timer.Reset(d.cfg.flushInterval)
			case <-d.stopCh:
				return
			}
		}

	gather:
		for len(batch) < d.cfg.batchSize {
			select {
			case task, ok := <-d.workCh:
				if !ok {
					break gather
				}
				if task == nil {
					continue
				}
				batch = append(batch, task)
			case <-timer.C:
				timer.Reset(d.cfg.flushInterval)
				break gather
			case <-d.stopCh:
				return
			}
		}

		d.flushBatch(batch, id)
		batch = batch[:0]
	}
}

func (d *sideEffectDispatcher) flushBatch(batch []*sideEffectTask, workerID int) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.enqueueTimeout)
	defer cancel()

	successes := make([]*sideEffectTask, 0, len(batch))
	failures := make([]*sideEffectTask, 0)
	for _, task := range batch {
		if err := d.store.EnqueueCommands(ctx, task.Ref, task.Commands); err != nil {
			task.Attempt++
			task.LastErr = err.Error()
			if d.cfg.retryAttempts > 0 && task.Attempt >= d.cfg.retryAttempts {
				// Permanent failure: stop the retry loop but keep the task
				// in the inflight set and the log. Restart recovery retries
				// it with a fresh attempt budget.
				d.logger.WithError(err).Errorf("side-effect delivery abandoned after %d attempts, ref=%s, offset=%d; task retained for recovery", task.Attempt, task.Ref, task.Offset)
				continue
			}
			failures = append(failures, task)
			d.logger.WithError(err).Errorf("side-effect enqueue failed, worker=%d, ref=%s, cmds=%d, offset=%d, attempt=%d", workerID, task.Ref, len(task.Commands), task.Offset, task.Attempt)
		} else {
			task.Attempt = 0
			task.LastErr = ""
			successes = append(successes, task)
		}
	}

	if len(successes) > 0 {
		d.markDelivered(successes)
	}
	for _, task := range failures {
		d.scheduleRetry(task)
	}
}

func (d *sideEffectDispatcher) markDelivered(tasks []*sideEffectTask) {
	var maxCommit uint64

	d.mu.Lock()
	for _, task := range tasks {
		delete(d.inflight, task.Offset)
		d.acked[task.Offset] = struct{}{}
	}
	d.delivered.Add(uint64(len(tasks)))

	for {
		next := d.nextAck + 1
		if _, ok := d.acked[next]; ok {
			delete(d.acked, next)
			d.nextAck = next
			maxCommit = next
		} else {
			break
		}
	}
	d.mu.Unlock()

	if maxCommit > 0 {
		d.wal.mu.Lock()
		if err := d.wal.commitLocked(maxCommit); err != nil {
			d.logger.WithError(err).Error("failed to commit dispatcher WAL")
		}
		d.wal.mu.Unlock()
	}
}

func (d *sideEffectDispatcher) scheduleRetry(task *sideEffectTask) {
	delay := exponentialBackoff(task.Attempt, d.cfg.retryInitial, d.cfg.retryMax)
	d.retryWG.Add(1)
	timer := time.NewTimer(delay)
	go func(t *sideEffectTask) {
		defer d.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case d.workCh <- t:
			case <-d.stopCh:
			}
		case <-d.stopCh:
		}
	}(task)
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

func cloneCommands(cmds []domain.Command) []domain.Command {
	if len(cmds) == 0 {
		return nil
	}
	out := make([]domain.Command, len(cmds))
	copy(out, cmds)
	return out
}

func enqueueSideEffects(job sideEffectJob) error {
	if globalDispatcher == nil {
		return errors.New("side-effect dispatcher unavailable")
	}
	return globalDispatcher.enqueue(job)
}

func (d *sideEffectDispatcher) stats() dispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	depth := len(d.inflight)
	buffered := len(d.workCh)
	var oldest time.Duration
	now := time.Now()
	for _, task := range d.inflight {
		age := now.Sub(task.Timestamp)
		if age < 0 {
			age = 0
		}
		if age > oldest {
			oldest = age
		}
	}

	delivered := d.delivered.Load()
	elapsed := time.Since(d.started)
	rps := 0.0
	if elapsed > 0 {
		rps = float64(delivered) / elapsed.Seconds()
	}

	return dispatcherStats{
		QueueDepth: depth,
		Buffered:   buffered,
		OldestAge:  oldest,
		Delivered:  delivered,
		StartedAt:  d.started,
		DrainRate:  rps,
	}
}

type dispatcherStats struct {
	QueueDepth int           `json:"queueDepth"`
	Buffered   int           `json:"buffered"`
	OldestAge  time.Duration `json:"oldestAge"`
	Delivered  uint64        `json:"delivered"`
	StartedAt  time.Time     `json:"startedAt"`
	DrainRate  float64       `json:"drainRatePerSecond"`
}

func getDispatcherStats() (dispatcherStats, error) {
	if globalDispatcher == nil {
		return dispatcherStats{}, errors.New("side-effect dispatcher unavailable")
	}
	return globalDispatcher.stats(), nil
}

func shutdownSideEffectDispatcher() {
	if globalDispatcher != nil {
		globalDispatcher.shutdown()
	}
	globalDispatcher = nil
	dispatcherOnce = sync.Once{}
}
