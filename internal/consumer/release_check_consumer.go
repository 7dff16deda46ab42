package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inventory/internal/model"
	"inventory/internal/repository"
	"inventory/internal/service/outbox"
	"inventory/pkg/log"
	"inventory/pkg/queue"
	"inventory/pkg/utils"
)

// Actor recorded on inventory logs written by the release check
const Actor = "release-check"

// Releaser returns the open holds of a reference to available stock
type Releaser interface {
	ReleaseReferenceTx(ctx context.Context, uow repository.UnitOfWork, tenantID uint64, reference, actor string) (int, error)
}

// ReleaseCheckConsumer consumes ORDER_STOCK_RELEASE_CHECK events and frees
// the holds of orders that never entered fulfillment.
type ReleaseCheckConsumer struct {
	q        queue.Queue
	topic    string
	txm      repository.TxManager
	releaser Releaser
	now      func() time.Time
}

// NewReleaseCheckConsumer creates a release check consumer
func NewReleaseCheckConsumer(q queue.Queue, topicPrefix string, txm repository.TxManager, releaser Releaser) *ReleaseCheckConsumer {
	return &ReleaseCheckConsumer{
		q:        q,
		topic:    outbox.Topic(topicPrefix, outbox.TypeOrderStockReleaseCheck),
		txm:      txm,
		releaser: releaser,
		now:      time.Now,
	}
}

// Start subscribes and blocks until ctx is done
func (c *ReleaseCheckConsumer) Start(ctx context.Context) error {
	if err := c.q.Subscribe(ctx, c.topic, c.Handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	log.WithField("topic", c.topic).Info("Release check consumer started")

	<-ctx.Done()
	log.Info("Release check consumer stopped")
	return nil
}

// Handle waits until the check is due and then runs it. Checks are handled
// in topic order, so a check with a longer delay holds back the ones behind it.
func (c *ReleaseCheckConsumer) Handle(ctx context.Context, _ string, msg queue.Message) error {
	ev, err := outbox.Decode(outbox.TypeOrderStockReleaseCheck, msg.Value)
	if err != nil {
		return err
	}
	check := ev.(*outbox.OrderStockReleaseCheck)

	if wait := check.CheckAfter.Sub(c.now()); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_, err = c.Check(ctx, check)
	return err
}

// Check releases the reference's open holds unless its order is being fulfilled
func (c *ReleaseCheckConsumer) Check(ctx context.Context, check *outbox.OrderStockReleaseCheck) (int, error) {
	logger := log.ForTenant(check.TenantID).WithField("reference", check.Reference)

	var released int
	err := c.txm.WithinTx(ctx, func(uow repository.UnitOfWork) error {
		released = 0
		fulfilling, err := orderInFulfillment(ctx, uow, check.TenantID, check.Reference)
		if err != nil || fulfilling {
			return err
		}
		released, err = c.releaser.ReleaseReferenceTx(ctx, uow, check.TenantID, check.Reference, Actor)
		return err
	})
	if err != nil {
		logger.WithError(err).Error("Release check failed")
		return 0, err
	}

	if released > 0 {
		logger.WithField("released", released).Info("Released expired holds")
	}
	return released, nil
}

// orderInFulfillment locks the order named by reference. A reference that
// is not an order number has nothing to protect.
func orderInFulfillment(ctx context.Context, uow repository.UnitOfWork, tenantID uint64, reference string) (bool, error) {
	order, err := uow.Orders().GetByNo(ctx, tenantID, reference)
	if errors.Is(err, utils.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	order, err = uow.Orders().GetForUpdate(ctx, tenantID, order.ID)
	if err != nil {
		return false, err
	}
	return order.Status == model.OrderStatusProcessing || order.Status == model.OrderStatusCompleted, nil
}
