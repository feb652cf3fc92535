package banext

import (
	"context"
	"time"
)

const defaultFlushInterval = 10 * time.Second

// Flush writes every record changed since the last successful flush in one
// UpsertMany call. On failure the batch is requeued and the error returned;
// the next flush retries it.
func (r *BanRegistry) Flush(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	batch := r.takeDirty()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := r.store.UpsertMany(ctx, batch)
	r.metrics.recordFlush(len(batch), time.Since(start), err)
	if err != nil {
		r.mergeBack(batch)
		logger.Warn("ban registry flush failed; records requeued",
			"component", "registry", "kind", "flush",
			"records", len(batch),
			"error", err,
		)
		return err
	}
	logger.Debug("ban registry flushed",
		"component", "registry", "kind", "flush",
		"records", len(batch),
		"took", time.Since(start),
	)
	return nil
}

// Pending returns how many records wait for the next flush.
func (r *BanRegistry) Pending() int {
	if r == nil {
		return 0
	}
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.dirty)
		sh.mu.RUnlock()
	}
	return n
}

func (r *BanRegistry) takeDirty() []BanRecord {
	var batch []BanRecord
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		if len(sh.dirty) == 0 {
			sh.mu.Unlock()
			continue
		}
		for source := range sh.dirty {
			if rec, ok := sh.records[source]; ok {
				batch = append(batch, rec)
			}
		}
		sh.dirty = make(map[string]struct{})
		sh.mu.Unlock()
	}
	return batch
}

// mergeBack marks the sources of a failed batch dirty again. The records
// themselves never left memory, so a ban registered during the failed write
// is simply written with its newer state next time.
func (r *BanRegistry) mergeBack(batch []BanRecord) {
	for _, rec := range batch {
		sh := r.shard(rec.Source)
		sh.mu.Lock()
		sh.dirty[rec.Source] = struct{}{}
		sh.mu.Unlock()
	}
}

// Start runs the periodic flush worker until ctx is done or Close is called.
// Calling Start twice is a no-op.
func (r *BanRegistry) Start(ctx context.Context, interval time.Duration) {
	if r == nil || r.store == nil {
		return
	}
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	r.workerMu.Lock()
	defer r.workerMu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	stop := r.stop
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.Flush(ctx)
			}
		}
	}()
}

// Close stops the flush worker and performs a final flush. The store itself
// is left open for its owner to close.
func (r *BanRegistry) Close() error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		r.workerMu.Lock()
		if r.stop != nil {
			close(r.stop)
		}
		r.workerMu.Unlock()
		r.wg.Wait()
		r.closeErr = r.Flush(context.Background())
		if r.closeErr != nil {
			logger.Error("final ban registry flush failed",
				"component", "registry", "kind", "flush",
				"pending", r.Pending(),
				"error", r.closeErr,
			)
		}
	})
	return r.closeErr
}
