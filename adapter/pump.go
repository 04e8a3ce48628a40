package adapter

import (
	"context"

	"github.com/cachewarden/cachewarden/bus"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/types"
)

// Config configures a Pump.
type Config struct {
	// Bus is the notification bus to subscribe on (required).
	Bus *bus.Bus
	// Publishers receive every terminal operation event.
	Publishers []Publisher
	// Logger is an optional logger. If nil, a default is created.
	Logger *log.Logger
}

// Pump subscribes to the notification bus and forwards each operation
// completion to every configured publisher. Delivery failures are logged
// and never feed back into the operation plane.
type Pump struct {
	config Config
	logger *log.Logger
}

// NewPump creates a Pump.
func NewPump(config Config) (*Pump, error) {
	if config.Bus == nil {
		return nil, types.NewError(types.KindConfig, "adapter: missing required dependencies")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger("adapter")
	}
	return &Pump{config: config, logger: logger}, nil
}

// Run drains the subscription until the context is cancelled or the bus
// closes. Publishes happen inline on the pump goroutine; publishers carry
// their own timeouts and retries.
func (p *Pump) Run(ctx context.Context) {
	events, cancel := p.config.Bus.Subscribe("adapters")
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Name != types.EventOperationComplete {
				continue
			}
			op, ok := evt.Payload.(*types.Operation)
			if !ok {
				continue
			}
			p.publish(ctx, FromOperation(op))
		}
	}
}

func (p *Pump) publish(ctx context.Context, event *Event) {
	for _, pub := range p.config.Publishers {
		if err := pub.Publish(ctx, event); err != nil {
			p.logger.Warn("adapter publish failed", map[string]any{
				"publisher":    pub.Name(),
				"operation_id": event.OperationID,
				"error":        err.Error(),
			})
			continue
		}
		p.logger.Debug("operation event published", map[string]any{
			"publisher":    pub.Name(),
			"operation_id": event.OperationID,
		})
	}
}

// Close closes every publisher.
func (p *Pump) Close() {
	for _, pub := range p.config.Publishers {
		if err := pub.Close(); err != nil {
			p.logger.Warn("adapter close failed", map[string]any{
				"publisher": pub.Name(),
				"error":     err.Error(),
			})
		}
	}
}
