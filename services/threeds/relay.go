package threeds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"imagegen-payment-api/metrics"
)

// Delivery collects what every channel contributed for one message. The
// window channels only emit instructions; the page script carries them out.
type Delivery struct {
	Message      RelayMessage `json:"message"`
	TargetOrigin string       `json:"targetOrigin"`

	PostToOpener bool `json:"postToOpener"`
	PostToParent bool `json:"postToParent"`
	// ClosePopupAfter is how long a popup waits before closing itself so the
	// opener can read the message first.
	ClosePopupAfter time.Duration `json:"-"`
	Stored          bool          `json:"stored"`
}

// Channel is one relay route back to the initiating context.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, d *Delivery) error
}

type OpenerChannel struct {
	CloseAfter time.Duration
}

func (c OpenerChannel) Name() string { return "opener" }

func (c OpenerChannel) Deliver(ctx context.Context, d *Delivery) error {
	d.PostToOpener = true
	d.ClosePopupAfter = c.CloseAfter
	return nil
}

type ParentChannel struct{}

func (ParentChannel) Name() string { return "parent" }

func (ParentChannel) Deliver(ctx context.Context, d *Delivery) error {
	d.PostToParent = true
	return nil
}

// DurableChannel writes the timestamped record a same-tab successor polls.
type DurableChannel struct {
	Store Store
	TTL   time.Duration
	Clock clockz.Clock
}

func (c DurableChannel) Name() string { return "durable" }

func (c DurableChannel) Deliver(ctx context.Context, d *Delivery) error {
	clock := c.Clock
	if clock == nil {
		clock = clockz.RealClock
	}
	rec := DurableRecord{
		PaRes:         d.Message.PaRes,
		TransactionID: d.Message.TransactionID,
		Timestamp:     clock.Now().UnixMilli(),
	}
	if err := c.Store.SaveResult(ctx, rec, c.TTL); err != nil {
		return err
	}
	d.Stored = true
	return nil
}

type Relay struct {
	channels     []Channel
	targetOrigin string
	logger       *zap.Logger
}

func NewRelay(targetOrigin string, logger *zap.Logger, channels ...Channel) *Relay {
	if targetOrigin == "" {
		targetOrigin = "*"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{channels: channels, targetOrigin: targetOrigin, logger: logger}
}

// Deliver tries every channel, even after one succeeds, since a posted
// message cannot be confirmed as read. It fails only if every channel did.
// Delivering the same message again is safe.
func (r *Relay) Deliver(ctx context.Context, msg RelayMessage) (Delivery, error) {
	d := Delivery{Message: msg, TargetOrigin: r.targetOrigin}
	if msg.TransactionID == "" || msg.PaRes == "" {
		return d, fmt.Errorf("relay: %w", ErrCallbackDataNotFound)
	}

	var errs []error
	delivered := 0
	for _, ch := range r.channels {
		if err := ch.Deliver(ctx, &d); err != nil {
			metrics.RelayDeliveries.WithLabelValues(ch.Name(), "error").Inc()
			r.logger.Warn("3ds relay channel failed",
				zap.String("channel", ch.Name()),
				zap.String("transaction_id", msg.TransactionID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		metrics.RelayDeliveries.WithLabelValues(ch.Name(), "ok").Inc()
		delivered++
	}

	if delivered == 0 && len(r.channels) > 0 {
		return d, errors.Join(errs...)
	}
	return d, nil
}
