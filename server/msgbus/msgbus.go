// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package msgbus publishes the engine's order, deal and balance events to
// Kafka.
package msgbus

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/event"
	"github.com/segmentio/kafka-go"
)

// Topics.
const (
	TopicBalances = "balances"
	TopicOrders   = "orders"
	TopicDeals    = "deals"
)

const (
	// BlockedQueueLen is the number of unsent messages at which the bus
	// reports itself blocked.
	BlockedQueueLen = 1000

	defaultFlushInterval = 100 * time.Millisecond
	// maxBatch bounds the messages sent in one write.
	maxBatch = 1000
	// writeTimeout bounds a single batch write.
	writeTimeout = 10 * time.Second

	// InstanceHeader carries the engine instance id on every message.
	InstanceHeader = "instance"
)

// ErrStopped is returned for pushes after Run has returned.
var ErrStopped = errors.New("message bus stopped")

// Writer is the part of *kafka.Writer used by the Bus.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer for the brokers. Messages with the same key
// go to the same partition, so each market's orders and deals, and each
// user's balance changes, stay in order.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    maxBatch,
		ErrorLogger: kafka.LoggerFunc(func(format string, args ...any) {
			log.Errorf(format, args...)
		}),
	}
}

// Config is the Bus configuration.
type Config struct {
	// FlushInterval is the period between batch writes.
	FlushInterval time.Duration
	// Instance identifies the engine process in message headers.
	Instance uuid.UUID
	// Precisions are the markets' display precisions, by market name. Order
	// decimals of other markets are shown without trailing zeros.
	Precisions map[string]order.Precision
}

// Bus is an event.MessageSink that queues messages and sends them in
// batches. Messages are sent in the order they were pushed.
type Bus struct {
	w             Writer
	flushInterval time.Duration
	headers       []kafka.Header
	precs         map[string]order.Precision

	mtx     sync.Mutex
	queue   []kafka.Message
	stopped bool
}

var _ event.MessageSink = (*Bus)(nil)

// New creates a Bus sending through w.
func New(cfg *Config, w Writer) *Bus {
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Bus{
		w:             w,
		flushInterval: flushInterval,
		headers:       []kafka.Header{{Key: InstanceHeader, Value: []byte(cfg.Instance.String())}},
		precs:         cfg.Precisions,
	}
}

func (b *Bus) push(topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	log.Tracef("push %s message: %s", topic, value)
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.stopped {
		return ErrStopped
	}
	b.queue = append(b.queue, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: b.headers,
	})
	return nil
}

// OrderMessage is the payload of the orders topic.
type OrderMessage struct {
	Event order.Event `json:"event"`
	Order *order.Info `json:"order"`
	Stock string      `json:"stock"`
	Money string      `json:"money"`
}

// PushOrderMessage queues an order event.
func (b *Bus) PushOrderMessage(ev order.Event, o *order.Order, stock, money string) error {
	return b.push(TopicOrders, o.Market, &OrderMessage{
		Event: ev,
		Order: o.Info().WithPrecision(b.precs[o.Market]),
		Stock: stock,
		Money: money,
	})
}

// PushDealMessage queues a deal as [time, market, ask id, bid id, ask user,
// bid user, price, amount, ask fee, bid fee, taker side, deal id, stock,
// money].
func (b *Bus) PushDealMessage(d *order.Deal) error {
	return b.push(TopicDeals, d.Market, []any{
		order.Seconds(d.Time),
		d.Market,
		d.Ask.ID,
		d.Bid.ID,
		d.Ask.User,
		d.Bid.User,
		d.Price.String(),
		d.Amount.String(),
		d.AskFee.String(),
		d.BidFee.String(),
		d.Side,
		d.ID,
		d.Stock,
		d.Money,
	})
}

// PushBalanceMessage queues a balance change as [time, user, asset, business,
// change].
func (b *Bus) PushBalanceMessage(bc *event.BalanceChange) error {
	return b.push(TopicBalances, strconv.FormatUint(uint64(bc.User), 10), []any{
		order.Seconds(bc.Time),
		bc.User,
		bc.Asset,
		bc.Business,
		bc.Change.String(),
	})
}

// Pending is the number of unsent messages.
func (b *Bus) Pending() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.queue)
}

// IsBlocked reports whether the send queue has backed up.
func (b *Bus) IsBlocked() bool {
	return b.Pending() >= BlockedQueueLen
}

// Run sends the queue every flush interval. A failed batch stays queued and
// is sent again on the next tick, so a consumer may see duplicates. When ctx
// is canceled, pushes are refused, the remaining messages get one final send
// and the writer is closed.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flushAll(ctx)
		case <-ctx.Done():
			b.mtx.Lock()
			b.stopped = true
			b.mtx.Unlock()
			b.flushAll(context.Background())
			if n := b.Pending(); n > 0 {
				log.Errorf("Message bus stopped with %d unsent messages", n)
			}
			if err := b.w.Close(); err != nil {
				log.Errorf("Error closing kafka writer: %v", err)
			}
			log.Infof("Message bus stopped")
			return
		}
	}
}

func (b *Bus) flushAll(ctx context.Context) {
	for {
		n, err := b.flush(ctx)
		if err != nil {
			log.Errorf("Error sending messages, %d pending: %v", b.Pending(), err)
			return
		}
		if n < maxBatch {
			return
		}
	}
}

// flush sends the oldest messages and removes them from the queue. Only flush
// removes messages, so the head of the queue is stable during the write.
func (b *Bus) flush(ctx context.Context) (int, error) {
	b.mtx.Lock()
	n := min(len(b.queue), maxBatch)
	batch := b.queue[:n:n]
	b.mtx.Unlock()
	if n == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := b.w.WriteMessages(ctx, batch...); err != nil {
		return 0, err
	}

	b.mtx.Lock()
	clear(b.queue[:n])
	b.queue = b.queue[n:]
	b.mtx.Unlock()
	return n, nil
}
