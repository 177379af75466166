package notifier

import (
	"context"
	"fmt"
	"strings"

	"reportbot/internal/delivery"
	"reportbot/internal/eventbus"
	logx "reportbot/pkg/logx"
)

// AlertTypes are the delivery events that reach operators.
var AlertTypes = []string{
	eventbus.DeliveryEscalated,
	eventbus.DeliveryFailed,
	eventbus.DeliverySuppressed,
	eventbus.DeliveryExpired,
}

// Watch turns delivery events into alerts until ctx ends.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) error {
	events, unsubscribe := bus.Subscribe(64, AlertTypes...)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			n, ok := Format(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && ctx.Err() == nil {
				s.log.Debug("alert not queued", logx.Err(err))
			}
		}
	}
}

// Format renders a delivery event as an operator alert.
func Format(e eventbus.Event) (Notification, bool) {
	d, ok := e.Data.(delivery.Notice)
	if !ok {
		return Notification{}, false
	}
	var b strings.Builder
	var prio int
	switch e.Type {
	case eventbus.DeliveryEscalated:
		prio = 7
		fmt.Fprintf(&b, "Report %s was sent on %s (message %s) but never confirmed after %d checks.", d.Bucket, d.Channel, d.MessageID, d.Attempts)
	case eventbus.DeliveryFailed:
		prio = 9
		fmt.Fprintf(&b, "Report %s failed after %d attempts.", d.Bucket, d.Attempts)
	case eventbus.DeliverySuppressed:
		prio = 7
		fmt.Fprintf(&b, "Report %s was not sent: %s.", d.Bucket, d.Reason)
	case eventbus.DeliveryExpired:
		prio = 5
		fmt.Fprintf(&b, "Report %s expired before it could be sent.", d.Bucket)
	default:
		return Notification{}, false
	}
	if d.Err != nil {
		fmt.Fprintf(&b, "\nerror: %v", d.Err)
	}
	return Notification{Priority: prio, Key: e.Type + "|" + d.Bucket, Text: b.String()}, true
}

// ChannelSink sends alerts through a delivery channel, typically a second
// Telegram chat for operators.
type ChannelSink struct {
	Channel delivery.Channel
}

func (c ChannelSink) SendText(ctx context.Context, text string) error {
	_, err := c.Channel.Send(ctx, text, map[string]string{"purpose": "alert"})
	return err
}
