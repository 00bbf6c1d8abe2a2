package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"invoicegate.org/internal/audit"
)

const (
	defaultSessionTimeout   = 30 * time.Second
	defaultHeartbeat        = 3 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
	defaultConsumeBackoff   = time.Second
)

// RecordHandler processes one record value.
type RecordHandler interface {
	Handle(ctx context.Context, value []byte) (Outcome, error)
}

// Consumer reads the intake topic through a sarama consumer group. Offsets
// are marked only after the handler returns without error, so an
// infrastructure failure leaves the record for redelivery.
type Consumer struct {
	log     zerolog.Logger
	group   sarama.ConsumerGroup
	groupID string
	handler RecordHandler

	ready        atomic.Bool
	errorsDoneCh chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer joins groupID on brokers.
func NewConsumer(brokers []string, groupID string, handler RecordHandler, log zerolog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("intake: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("intake: group id is required")
	}
	if handler == nil {
		return nil, errors.New("intake: handler is required")
	}
	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("intake: create consumer group: %w", err)
	}
	return newConsumer(group, groupID, handler, log), nil
}

func newConsumer(group sarama.ConsumerGroup, groupID string, handler RecordHandler, log zerolog.Logger) *Consumer {
	c := &Consumer{
		log:          log.With().Str("component", "intake").Str("group_id", groupID).Logger(),
		group:        group,
		groupID:      groupID,
		handler:      handler,
		errorsDoneCh: make(chan struct{}),
	}
	go c.consumeErrors()
	return c
}

func consumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "transmitd-intake"
	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Group.Rebalance.Timeout = defaultRebalanceTimeout
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Return.Errors = true
	return cfg
}

// Run consumes topics until ctx ends or Close is called.
func (c *Consumer) Run(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return errors.New("intake: at least one topic is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	defer c.wg.Done()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		err := c.group.Consume(ctx, topics, &groupHandler{consumer: c})
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Error().Err(err).Msg("intake consume error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(defaultConsumeBackoff):
			}
		}
	}
}

// IsReady reports whether the consumer currently holds a group session.
func (c *Consumer) IsReady() bool { return c.ready.Load() }

// Close leaves the group and waits for Run to return.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	err := c.group.Close()
	c.wg.Wait()
	<-c.errorsDoneCh
	return err
}

func (c *Consumer) consumeErrors() {
	defer close(c.errorsDoneCh)
	for err := range c.group.Errors() {
		if err != nil {
			c.log.Error().Err(err).Msg("intake consumer error")
		}
	}
}

// process handles msg and reports whether its offset may be marked.
func (c *Consumer) process(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	ctx = audit.WithRequestID(ctx, fmt.Sprintf("kafka:%s/%d/%d", msg.Topic, msg.Partition, msg.Offset))
	outcome, err := c.handler.Handle(ctx, msg.Value)
	if err != nil {
		c.log.Error().
			Err(err).
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("intake handler error")
		return false
	}
	c.log.Debug().
		Str("topic", msg.Topic).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("outcome", string(outcome)).
		Msg("intake record handled")
	return true
}

type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(true)
	h.consumer.log.Info().Msg("intake consumer group ready")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(false)
	h.consumer.log.Info().Msg("intake consumer group cleanup")
	return nil
}

// ConsumeClaim stops at the first record that fails with an infrastructure
// error. Returning ends the session, and the rebalance redelivers from the
// last marked offset.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.consumer.process(session.Context(), msg) {
				return fmt.Errorf("intake: record %s/%d/%d not processed", msg.Topic, msg.Partition, msg.Offset)
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
