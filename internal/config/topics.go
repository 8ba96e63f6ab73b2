package config

const (
	// TopicHoroscopeDeliver carries generated content to the delivery service.
	TopicHoroscopeDeliver = "horoscope.deliver"

	// TopicOrchestratorTrigger lets an external scheduler request an orchestrator run.
	TopicOrchestratorTrigger = "orchestrator.trigger"

	// ChannelOrchestrator is the NSQ channel the trigger consumer reads from.
	ChannelOrchestrator = "orchestrator"
)
