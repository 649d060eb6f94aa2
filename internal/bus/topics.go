package bus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentInbox(agentID string) string {
	return fmt.Sprintf("agent.%s.inbox", agentID)
}

func TopicEngineAnalyze(domain string) string {
	return fmt.Sprintf("engine.analyze.%s", domain)
}

func TopicRunEvents(runID string) string {
	return fmt.Sprintf("events.run.%s", runID)
}

const (
	// Broadcast is the recipient id that delivers to every subscribed agent.
	Broadcast = "broadcast"

	TopicBroadcast    = "agent.broadcast"
	TopicAgentInboxes = "agent.*.inbox"
	TopicEventsAll    = "events.>"
	TopicEventsRuns   = "events.run.>"
)
