package models

// TrafficType is the coarse classification of an intercepted exchange.
type TrafficType string

const (
	TrafficLLMAPI       TrafficType = "LLM_API"
	TrafficToolCall     TrafficType = "TOOL_CALL"
	TrafficAgentToAgent TrafficType = "AGENT_TO_AGENT"
	TrafficUnknown      TrafficType = "UNKNOWN"
)

// Subtypes attached to AGENT_TO_AGENT traffic by the classifier.
const (
	SubtypeSupervisorToWorker  = "supervisor_to_worker"
	SubtypeConsensusVote       = "consensus_vote"
	SubtypeWorkerCommunication = "worker_communication"
	SubtypeAgentToAgent        = "agent_to_agent"
)

// Override headers honored by the classifier when the caller is trusted.
const (
	HeaderChaosType    = "X-Agent-Chaos-Type"
	HeaderChaosSubtype = "X-Agent-Chaos-Subtype"
	HeaderAgentRole    = "X-Agent-Role"
)

// ParseTrafficType maps a header or rule value onto a known traffic type.
// Unrecognized values come back as TrafficUnknown with ok=false.
func ParseTrafficType(s string) (TrafficType, bool) {
	switch TrafficType(s) {
	case TrafficLLMAPI, TrafficToolCall, TrafficAgentToAgent, TrafficUnknown:
		return TrafficType(s), true
	}
	return TrafficUnknown, false
}
