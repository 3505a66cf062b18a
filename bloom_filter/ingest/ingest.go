// Package ingest feeds a filter from a Kafka topic.
package ingest

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Putter is satisfied by *bf.Registry[string].
type Putter interface {
	PutAll(ctx context.Context, name string, expectedInsertions int64, fpp float64, members []string) error
}

// Handler is a sarama.ConsumerGroupHandler that stores message keys, or
// values for messages without a key, in one filter. Offsets are marked only
// after the batch holding them has been stored.
type Handler struct {
	putter             Putter
	filter             string
	expectedInsertions int64
	fpp                float64

	batchSize     int
	flushInterval time.Duration
	logger        logrus.FieldLogger
}

type Option func(h *Handler)

func WithBatchSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.flushInterval = d
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

func NewHandler(p Putter, filter string, expectedInsertions int64, fpp float64, opts ...Option) *Handler {
	h := &Handler{
		putter:             p,
		filter:             filter,
		expectedInsertions: expectedInsertions,
		fpp:                fpp,
		batchSize:          500,
		flushInterval:      time.Second,
		logger:             logrus.StandardLogger(),
	}
	for _, op := range opts {
		op(h)
	}
	return h
}

func (h *Handler) Setup(sarama.ConsumerGroupSession) error { return nil }

func (h *Handler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *Handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log := h.logger.WithFields(logrus.Fields{
		"filter":    h.filter,
		"topic":     claim.Topic(),
		"partition": claim.Partition(),
	})
	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()

	var (
		batch = make([]string, 0, h.batchSize)
		last  *sarama.ConsumerMessage
	)
	flush := func() error {
		if last == nil {
			return nil
		}
		if len(batch) > 0 {
			if err := h.putter.PutAll(session.Context(), h.filter, h.expectedInsertions, h.fpp, batch); err != nil {
				log.WithError(err).WithField("offset", last.Offset).Warn("store ingest batch failed")
				return err
			}
		}
		session.MarkMessage(last, "")
		log.WithFields(logrus.Fields{"members": len(batch), "offset": last.Offset}).Debug("ingest batch stored")
		batch = batch[:0]
		last = nil
		return nil
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return flush()
			}
			if member := memberOf(msg); member != "" {
				batch = append(batch, member)
			}
			last = msg
			if len(batch) >= h.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case <-session.Context().Done():
			// unmarked messages are delivered again after the rebalance
			return nil
		}
	}
}

func memberOf(msg *sarama.ConsumerMessage) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return string(msg.Value)
}

// NewConsumerGroup builds a round-robin group that starts from the oldest
// offset when it has none committed.
func NewConsumerGroup(brokers []string, group string) (sarama.ConsumerGroup, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = false
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_8_1_0
	config.Consumer.MaxProcessingTime = 10 * time.Second
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	cg, err := sarama.NewConsumerGroup(brokers, group, config)
	if err != nil {
		return nil, errors.Wrapf(err, "new consumer group %s", group)
	}
	return cg, nil
}

// Consume runs consumer sessions until ctx is done. A failed session is
// logged and retried after backoff.
func Consume(ctx context.Context, cg sarama.ConsumerGroup, topics []string, h sarama.ConsumerGroupHandler, backoff time.Duration) error {
	log := logrus.WithField("topics", topics)
	for {
		if err := cg.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.WithError(err).Warn("consume session ended")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
