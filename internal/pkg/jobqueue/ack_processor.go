package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

const ackJobTimeout = 30 * time.Second

// processAcknowledgePurchaseJob retries the provider acknowledgment for a
// purchase whose settlement failed during reconciliation. The entitlement
// grant already happened; this only tells the provider about it.
func (q *Queue) processAcknowledgePurchaseJob(ctx context.Context, job *Job) error {
	if q.handler == nil {
		return fmt.Errorf("no ack handler configured")
	}

	payload, err := AcknowledgePurchaseJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid ack job payload: %w", err)
	}
	if payload.PurchaseToken == "" {
		return fmt.Errorf("ack job without purchase token")
	}

	jobCtx, cancel := context.WithTimeout(ctx, ackJobTimeout)
	defer cancel()

	if err := q.handler.AcknowledgeToken(jobCtx, payload.PurchaseToken); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Purchase row gone; nothing left to settle.
			log.Warnf("[JobQueue] Dropping ack job for unknown token %s", payload.PurchaseToken)
			return nil
		}
		return err
	}
	return nil
}
