// -----------------------------------------------------------------------
// Update Queue Processors - drain the update queues into the updater
// -----------------------------------------------------------------------

package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// Processor runs the polling goroutines that drain the small and large
// update queues. Small updates drain in batches; large ones, carrying full
// result catalogs, drain in small batches (one by default).
type Processor struct {
	queues       interfaces.QueueManager
	preprocessor *Preprocessor
	updater      *Updater
	logger       arbor.ILogger

	pollInterval    time.Duration
	visibility      time.Duration
	delayAfterError time.Duration
	smallBatch      int
	largeBatch      int
	smallWorkers    int
	largeWorkers    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor builds the processor from the queue configuration.
func NewProcessor(queues interfaces.QueueManager, preprocessor *Preprocessor, updater *Updater, cfg *common.QueueConfig, logger arbor.ILogger) *Processor {
	return &Processor{
		queues:          queues,
		preprocessor:    preprocessor,
		updater:         updater,
		logger:          logger,
		pollInterval:    common.Duration(cfg.PollInterval, 250*time.Millisecond),
		visibility:      common.Duration(cfg.VisibilityTimeout, 90*time.Second),
		delayAfterError: common.Duration(cfg.DelayAfterError, 5*time.Second),
		smallBatch:      cfg.SmallBatchSize,
		largeBatch:      cfg.LargeBatchSize,
		smallWorkers:    cfg.SmallProcessors,
		largeWorkers:    cfg.LargeProcessors,
	}
}

// Start launches the pollers. They run until Stop or context cancellation.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.smallWorkers; i++ {
		p.wg.Add(1)
		name := fmt.Sprintf("small-update-poller-%d", i)
		common.SafeGoWithContext(ctx, p.logger, name, func() {
			defer p.wg.Done()
			p.pollLoop(ctx, p.queues.SmallUpdates(), p.smallBatch, name)
		})
	}
	for i := 0; i < p.largeWorkers; i++ {
		p.wg.Add(1)
		name := fmt.Sprintf("large-update-poller-%d", i)
		common.SafeGoWithContext(ctx, p.logger, name, func() {
			defer p.wg.Done()
			p.pollLoop(ctx, p.queues.LargeUpdates(), p.largeBatch, name)
		})
	}

	p.logger.Info().
		Int("small_pollers", p.smallWorkers).
		Int("large_pollers", p.largeWorkers).
		Msg("Update processors started")
}

// Stop cancels the pollers and waits for in-flight messages to finish.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("Update processors stopped")
}

func (p *Processor) pollLoop(ctx context.Context, queue interfaces.MessageQueue, batch int, name string) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, err := queue.Receive(ctx, batch, p.visibility)
		if err != nil {
			p.logger.Error().Err(err).Str("poller", name).Msg("Queue receive failed")
			p.sleep(ctx, p.delayAfterError)
			continue
		}

		for _, msg := range msgs {
			if err := p.processMessage(ctx, queue, msg); err != nil {
				p.logger.Error().Err(err).Str("poller", name).Str("message_id", msg.ID).Msg("Update processing failed")
				p.sleep(ctx, p.delayAfterError)
			}
		}
	}
}

// processMessage applies one update. The receipt is deleted even when
// processing fails: the update stream is state-advance only, and a poisonous
// message must never block the queue. Inconsistencies are repaired by later
// updates or the reaper.
func (p *Processor) processMessage(ctx context.Context, queue interfaces.MessageQueue, msg *models.QueueMessage) error {
	defer func() {
		if err := queue.Delete(ctx, msg.Receipt); err != nil {
			p.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to acknowledge update message")
		}
	}()

	update, err := models.UpdateMessageFromJSON(msg.Payload)
	if err != nil {
		return fmt.Errorf("malformed update payload: %w", err)
	}

	if update.PreprocessResult == nil {
		update.PreprocessResult = p.preprocessor.Preprocess(ctx, &update.Update)
	}

	return p.updater.Apply(ctx, update)
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
