package eventconsumers

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	pubsub "github.com/jiaming2012/risk-daemon/src/eventpubsub"
	"github.com/jiaming2012/risk-daemon/src/eventservices"
	"github.com/jiaming2012/risk-daemon/src/projectx"
)

// StreamConsumer drains the broker stream through the normalizer and into
// the event queue. It is the single writer on the queue's broker side and
// the single caller of Normalize, which keeps quote cache updates ordered
// with the fills they precede. When the stream channel closes the consumer
// closes the queue, so shutdown drains the pipeline front to back.
type StreamConsumer struct {
	wg         *sync.WaitGroup
	stream     *projectx.Stream
	normalizer *eventservices.EventNormalizer
	queue      *eventmodels.EventQueue
	metrics    *eventservices.MetricsRecorder
}

func NewStreamConsumer(wg *sync.WaitGroup, stream *projectx.Stream, normalizer *eventservices.EventNormalizer, queue *eventmodels.EventQueue, metrics *eventservices.MetricsRecorder) *StreamConsumer {
	return &StreamConsumer{
		wg:         wg,
		stream:     stream,
		normalizer: normalizer,
		queue:      queue,
		metrics:    metrics,
	}
}

func (c *StreamConsumer) consume(ctx context.Context, raw *projectx.RawEvent) {
	tracer := otel.GetTracerProvider().Tracer("eventconsumers:stream")
	spanCtx, span := tracer.Start(ctx, "<- RawEvent")
	defer span.End()

	event, err := c.normalizer.Normalize(spanCtx, raw)
	if err != nil {
		pubsub.PublishError("StreamConsumer.consume", err)
		return
	}

	if event == nil {
		return
	}

	if err := c.queue.Publish(event); err != nil {
		log.Errorf("StreamConsumer.consume: failed to publish %s event: %v", event.Type, err)
	}
}

func (c *StreamConsumer) Start(ctx context.Context) {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		for raw := range c.stream.Events() {
			c.consume(ctx, raw)
		}

		c.queue.Close()
		log.Info("stopping StreamConsumer consumer")
	}()
}
