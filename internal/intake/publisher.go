package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"invoicegate.org/internal/transmission"
)

const headerEvent = "event"

// StatusPublisher writes every status change to a Kafka topic keyed by
// transmission id, so changes of one transmission stay ordered within a
// partition. Publish never blocks; changes are dropped when the producer
// buffer is full.
type StatusPublisher struct {
	topic    string
	producer sarama.AsyncProducer
	log      zerolog.Logger

	dropped atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

var _ transmission.Publisher = (*StatusPublisher)(nil)

// NewStatusPublisher connects an async producer to brokers.
func NewStatusPublisher(brokers []string, topic string, log zerolog.Logger) (*StatusPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("intake: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("intake: status topic is required")
	}
	producer, err := sarama.NewAsyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("intake: create producer: %w", err)
	}
	return newStatusPublisher(producer, topic, log), nil
}

func newStatusPublisher(producer sarama.AsyncProducer, topic string, log zerolog.Logger) *StatusPublisher {
	p := &StatusPublisher{
		topic:    topic,
		producer: producer,
		log:      log.With().Str("component", "status_publisher").Str("topic", topic).Logger(),
		done:     make(chan struct{}),
	}
	go p.consumeErrors()
	return p
}

// ProducerConfig is the sarama configuration used for status changes.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "transmitd-status"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

// Publish implements transmission.Publisher.
func (p *StatusPublisher) Publish(change transmission.StatusChange) {
	body, err := json.Marshal(change)
	if err != nil {
		p.failed.Add(1)
		p.log.Error().Err(err).Str("transmission_id", change.TransmissionID).Msg("encode status change")
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(change.TransmissionID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerEvent), Value: []byte("status_change")},
			{Key: []byte("status"), Value: []byte(change.To)},
		},
		Timestamp: change.At,
	}
	select {
	case p.producer.Input() <- msg:
	case <-p.done:
		p.dropped.Add(1)
	default:
		p.dropped.Add(1)
		p.log.Warn().Str("transmission_id", change.TransmissionID).Msg("status producer buffer full; change dropped")
	}
}

// Dropped reports changes that never reached the producer.
func (p *StatusPublisher) Dropped() uint64 { return p.dropped.Load() }

// Failed reports changes the producer could not deliver.
func (p *StatusPublisher) Failed() uint64 { return p.failed.Load() }

func (p *StatusPublisher) consumeErrors() {
	for perr := range p.producer.Errors() {
		if perr == nil {
			continue
		}
		p.failed.Add(1)
		ev := p.log.Error().Err(perr.Err)
		if perr.Msg != nil {
			ev = ev.Str("topic", perr.Msg.Topic)
		}
		ev.Msg("status change not delivered")
	}
}

// Close flushes buffered changes and releases the producer.
func (p *StatusPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.producer.Close()
	})
	return err
}
