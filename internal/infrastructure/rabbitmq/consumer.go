package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/shoply/commerce/services/engagement-service/internal/contracts/event"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	"github.com/shoply/commerce/services/engagement-service/internal/pkg/logger"
)

const (
	supportedVersion = 1

	rkProductPublished = "product.published"
	rkProductUpdated   = "product.updated"
	rkProductDeleted   = "product.deleted"
)

// Consumer keeps the local product snapshot in step with the catalog:
// published/updated products get an aggregate row, deleted products lose
// every engagement row they accumulated.
type Consumer struct {
	rabbitURL string
	exchange  string
	store     domain.EngagementStore
}

func NewConsumer(rabbitURL, exchange string, store domain.EngagementStore) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		store:     store,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()

	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	// Ensure exchange exists (idempotent)
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	q, err := ch.QueueDeclare(
		"engagement-service.catalog-snapshots",
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	for _, rk := range []string{rkProductPublished, rkProductUpdated, rkProductDeleted} {
		if err := ch.QueueBind(q.Name, rk, c.exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return err
		}
	}

	if err := ch.Qos(10, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	deliveries, err := ch.Consume(q.Name, "engagement-service", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	go func() {
		defer func() {
			_ = ch.Close()
			_ = conn.Close()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				if err := c.handleDelivery(ctx, d); err != nil {
					_ = d.Nack(false, true) // transient => requeue
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	log.Info().Str("queue", q.Name).Msg("consumer started")
	return nil
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", d.RoutingKey).
		Logger()

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(d.Body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		return nil // poison => drop
	}

	if env.Version != supportedVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		return nil
	}

	// message_id: prefer envelope.message_id, then AMQP MessageId, else hash fallback
	msgID := strings.TrimSpace(env.MessageID)
	if msgID == "" {
		msgID = strings.TrimSpace(d.MessageId)
	}
	if msgID == "" {
		h := sha256.Sum256(append([]byte(d.RoutingKey+"\n"), d.Body...))
		msgID = "hash:" + hex.EncodeToString(h[:])
	}

	log := baseLog.With().
		Str("message_id", msgID).
		Str("trace_id", strings.TrimSpace(env.TraceID)).
		Logger()

	// Strong path: atomic "dedupe fence + side effects" in the SAME DB tx
	type inboxTx interface {
		ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error)
		EnsureAggregateTx(ctx context.Context, tx pgx.Tx, productID uuid.UUID) error
		PurgeProductTx(ctx context.Context, tx pgx.Tx, traceID string, productID uuid.UUID) error
	}
	const handlerName = "catalog_snapshots"

	if r, ok := any(c.store).(inboxTx); ok {
		processed, err := r.ProcessOnce(ctx, msgID, handlerName, func(tx pgx.Tx) error {
			return applySnapshotTx(ctx, r, tx, d.RoutingKey, env.Payload, strings.TrimSpace(env.TraceID), log)
		})
		if err != nil {
			log.Error().Err(err).Msg("processing failed (requeue)")
			return err
		}
		if !processed {
			log.Info().Msg("duplicate delivery ignored")
		}
		return nil
	}

	// Compatibility path: optional dedupe (non-atomic)
	type processedMarker interface {
		TryMarkProcessed(ctx context.Context, messageID, handlerName string) (bool, error)
	}

	if pm, ok := any(c.store).(processedMarker); ok {
		first, err := pm.TryMarkProcessed(ctx, msgID, handlerName)
		if err != nil {
			log.Error().Err(err).Msg("processed_messages insert failed (requeue)")
			return err
		}
		if !first {
			log.Info().Msg("duplicate delivery ignored")
			return nil
		}
	} else {
		// No dedupe available -> still process; better than dropping.
		log.Warn().Msg("store does not support processed_messages; processing without dedupe")
	}

	return applySnapshot(ctx, c.store, d.RoutingKey, env.Payload, strings.TrimSpace(env.TraceID), log)
}

func applySnapshot(ctx context.Context, store domain.EngagementStore, routingKey string, raw json.RawMessage, traceID string, log zerolog.Logger) error {
	switch routingKey {
	case rkProductPublished, rkProductUpdated:
		pid, ok := parseProductPublished(raw, log)
		if !ok {
			return nil
		}
		return store.EnsureAggregate(ctx, pid)

	case rkProductDeleted:
		pid, ok := parseProductDeleted(raw, log)
		if !ok {
			return nil
		}
		return store.PurgeProduct(ctx, traceID, pid)

	default:
		log.Warn().Msg("unknown routing key; ignoring")
		return nil
	}
}

func applySnapshotTx(
	ctx context.Context,
	r interface {
		EnsureAggregateTx(ctx context.Context, tx pgx.Tx, productID uuid.UUID) error
		PurgeProductTx(ctx context.Context, tx pgx.Tx, traceID string, productID uuid.UUID) error
	},
	tx pgx.Tx,
	routingKey string,
	raw json.RawMessage,
	traceID string,
	log zerolog.Logger,
) error {
	switch routingKey {
	case rkProductPublished, rkProductUpdated:
		pid, ok := parseProductPublished(raw, log)
		if !ok {
			return nil
		}
		return r.EnsureAggregateTx(ctx, tx, pid)

	case rkProductDeleted:
		pid, ok := parseProductDeleted(raw, log)
		if !ok {
			return nil
		}
		return r.PurgeProductTx(ctx, tx, traceID, pid)

	default:
		log.Warn().Msg("unknown routing key; ignoring")
		return nil
	}
}

func parseProductPublished(raw json.RawMessage, log zerolog.Logger) (uuid.UUID, bool) {
	var p event.ProductPublishedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Msg("invalid payload json; dropping")
		return uuid.Nil, false
	}
	if strings.TrimSpace(p.ProductID) == "" {
		log.Warn().Msg("missing product_id; dropping")
		return uuid.Nil, false
	}
	pid, err := uuid.Parse(p.ProductID)
	if err != nil {
		log.Warn().Err(err).Msg("invalid product_id; dropping")
		return uuid.Nil, false
	}
	return pid, true
}

func parseProductDeleted(raw json.RawMessage, log zerolog.Logger) (uuid.UUID, bool) {
	var p event.ProductDeletedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Msg("invalid payload json; dropping")
		return uuid.Nil, false
	}

	// tolerate legacy field
	pidStr := strings.TrimSpace(p.ProductID)
	if pidStr == "" {
		pidStr = strings.TrimSpace(p.ID)
	}
	if pidStr == "" {
		log.Warn().Msg("missing product_id; dropping")
		return uuid.Nil, false
	}
	pid, err := uuid.Parse(pidStr)
	if err != nil {
		log.Warn().Err(err).Msg("invalid product_id; dropping")
		return uuid.Nil, false
	}
	return pid, true
}
