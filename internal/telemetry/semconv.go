package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by SwapFlow instruments.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrOrderStatus = attribute.Key("order.status")
	AttrStep        = attribute.Key("execution.step")
	AttrOutcome     = attribute.Key("execution.outcome")
	AttrVenue       = attribute.Key("venue")
	AttrTopic       = attribute.Key("topic")
	AttrBackend     = attribute.Key("backend")
	AttrResult      = attribute.Key("result")
)

// StepAttributes labels a single pipeline step.
func StepAttributes(step, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrStep.String(step),
		AttrResult.String(result),
	}
}

// OutcomeAttributes labels a finished job.
func OutcomeAttributes(outcome string, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOutcome.String(outcome),
	}
	if status != "" {
		attrs = append(attrs, AttrOrderStatus.String(status))
	}
	return attrs
}

// BusAttributes labels event bus instruments.
func BusAttributes(backend, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrBackend.String(backend),
		AttrTopic.String(topic),
	}
}

// QueueAttributes labels job queue instruments.
func QueueAttributes(backend, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrBackend.String(backend),
		AttrResult.String(result),
	}
}

// RouterAttributes labels simulated venue calls.
func RouterAttributes(venue, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrVenue.String(venue),
		AttrStep.String(operation),
		AttrResult.String(result),
	}
}

// GatewayAttributes labels subscription gateway instruments.
func GatewayAttributes(result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrResult.String(result),
	}
}
