package outbox

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"inventory/internal/monitor"
	"inventory/pkg/breaker"
	"inventory/pkg/queue"
)

// Message headers set on every published event
const (
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderTenantID      = "tenant_id"
	// HeaderNotBefore tells the consumer not to act before this RFC 3339 time.
	HeaderNotBefore = "not_before"
)

// QueueHandler forwards every event kind to its own topic
type QueueHandler struct {
	q        queue.Queue
	prefix   string
	tracer   *monitor.Tracer
	breakers *breaker.Set
}

// NewQueueHandler creates a handler publishing to topics under prefix
func NewQueueHandler(q queue.Queue, topicPrefix string, tracer *monitor.Tracer) *QueueHandler {
	return &QueueHandler{q: q, prefix: topicPrefix, tracer: tracer}
}

// WithBreakers guards every topic with its own circuit breaker, so a dead
// topic fails its rows without waiting on the publish timeout.
func (h *QueueHandler) WithBreakers(s *breaker.Set) *QueueHandler {
	h.breakers = s
	return h
}

// Topic returns the topic an event type is published to
func Topic(prefix, eventType string) string {
	return prefix + strings.ToLower(eventType)
}

func (h *QueueHandler) HandleLowStockAlert(ctx context.Context, e *LowStockAlert) error {
	return h.publish(ctx, e.TenantID, e, nil)
}

func (h *QueueHandler) HandleOrderStockReleaseCheck(ctx context.Context, e *OrderStockReleaseCheck) error {
	return h.publish(ctx, e.TenantID, e, map[string]string{
		HeaderNotBefore: e.CheckAfter.UTC().Format(time.RFC3339),
	})
}

func (h *QueueHandler) HandleOrderPostProcess(ctx context.Context, e *OrderPostProcess) error {
	return h.publish(ctx, e.TenantID, e, nil)
}

func (h *QueueHandler) HandleShipmentStatusChanged(ctx context.Context, e *ShipmentStatusChanged) error {
	return h.publish(ctx, e.TenantID, e, nil)
}

func (h *QueueHandler) publish(ctx context.Context, tenantID uint64, ev Event, extra map[string]string) error {
	topic := Topic(h.prefix, ev.Type())
	ctx, span := h.tracer.StartQueueSpan(ctx, "publish", topic)
	defer span.End()

	value, err := json.Marshal(ev)
	if err != nil {
		h.tracer.RecordError(span, err)
		return err
	}

	agg := ev.Aggregate()
	headers := map[string]string{
		HeaderEventType:     ev.Type(),
		HeaderAggregateType: agg.Type,
		HeaderAggregateID:   agg.ID,
		HeaderTenantID:      strconv.FormatUint(tenantID, 10),
	}
	for k, v := range extra {
		headers[k] = v
	}
	h.tracer.InjectHeaders(ctx, headers)

	err = h.breakers.Do(topic, func() error {
		return h.q.Publish(ctx, topic, queue.Message{
			Key:     []byte(agg.Type + ":" + agg.ID),
			Value:   value,
			Headers: headers,
		})
	})
	if err != nil {
		h.tracer.RecordError(span, err)
	}
	return err
}
