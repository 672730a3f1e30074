package emit

import "context"

// CompositeEmitter fans a single stream of events out to multiple
// Emitters — e.g. a LogEmitter for local debugging alongside an
// OTelEmitter exporting to a collector. Each sub-emitter's failures are
// independent: EmitBatch/Flush keep going across sub-emitters even if one
// returns an error, returning the last error seen.
type CompositeEmitter struct {
	emitters []Emitter
}

// NewCompositeEmitter builds an Emitter that forwards to every emitter given.
func NewCompositeEmitter(emitters ...Emitter) *CompositeEmitter {
	return &CompositeEmitter{emitters: emitters}
}

func (c *CompositeEmitter) Emit(event Event) {
	for _, e := range c.emitters {
		e.Emit(event)
	}
}

func (c *CompositeEmitter) EmitBatch(ctx context.Context, events []Event) error {
	var lastErr error
	for _, e := range c.emitters {
		if err := e.EmitBatch(ctx, events); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *CompositeEmitter) Flush(ctx context.Context) error {
	var lastErr error
	for _, e := range c.emitters {
		if err := e.Flush(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
