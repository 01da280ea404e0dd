// README: Publisher abstraction and fan-out over multiple tracking sinks.
package tracking

import (
	"context"
	"errors"
)

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// Nop discards everything.
var Nop Publisher = PublisherFunc(func(context.Context, Envelope) error { return nil })

// Fanout delivers each envelope to every publisher, in order, and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, env Envelope) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
