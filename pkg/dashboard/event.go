// Package dashboard streams pipeline events to browser subscribers over
// WebSocket and serves run history from the runs directory.
package dashboard

import "time"

// Event is anything the pipeline can broadcast to dashboard subscribers.
// Concrete events marshal to the wire schema directly; EventType is the
// discriminator clients switch on.
type Event interface {
	Kind() string
}

// eventTime renders timestamps the way the wire format expects.
func eventTime() string {
	return time.Now().Format(time.RFC3339)
}

// RequestStarted is emitted when the proxy begins handling a flow.
type RequestStarted struct {
	EventType      string `json:"event_type"`
	Timestamp      string `json:"timestamp"`
	RequestID      string `json:"request_id"`
	Method         string `json:"method"`
	URL            string `json:"url"`
	AgentRole      string `json:"agent_role,omitempty"`
	TrafficType    string `json:"traffic_type"`
	TrafficSubtype string `json:"traffic_subtype,omitempty"`
}

func (RequestStarted) Kind() string { return "request_started" }

// NewRequestStarted stamps a request_started event.
func NewRequestStarted(requestID, method, url, agentRole, trafficType, trafficSubtype string) RequestStarted {
	return RequestStarted{
		EventType:      "request_started",
		Timestamp:      eventTime(),
		RequestID:      requestID,
		Method:         method,
		URL:            url,
		AgentRole:      agentRole,
		TrafficType:    trafficType,
		TrafficSubtype: trafficSubtype,
	}
}

// ChaosInjected is emitted once per strategy that fired on a flow.
type ChaosInjected struct {
	EventType    string         `json:"event_type"`
	Timestamp    string         `json:"timestamp"`
	RequestID    string         `json:"request_id"`
	StrategyName string         `json:"strategy_name"`
	Phase        string         `json:"phase"`
	Details      map[string]any `json:"details,omitempty"`
}

func (ChaosInjected) Kind() string { return "chaos_injected" }

// NewChaosInjected stamps a chaos_injected event.
func NewChaosInjected(requestID, strategyName, phase string, details map[string]any) ChaosInjected {
	return ChaosInjected{
		EventType:    "chaos_injected",
		Timestamp:    eventTime(),
		RequestID:    requestID,
		StrategyName: strategyName,
		Phase:        phase,
		Details:      details,
	}
}

// ResponseReceived is emitted when a flow completes, whether the response
// came from upstream, a strategy, or the tape.
type ResponseReceived struct {
	EventType    string  `json:"event_type"`
	Timestamp    string  `json:"timestamp"`
	RequestID    string  `json:"request_id"`
	StatusCode   int     `json:"status_code"`
	Success      bool    `json:"success"`
	ResponseSize int     `json:"response_size"`
	LatencyMS    float64 `json:"latency_ms"`
}

func (ResponseReceived) Kind() string { return "response_received" }

// NewResponseReceived stamps a response_received event. Success means a
// 2xx or 3xx status.
func NewResponseReceived(requestID string, statusCode, responseSize int, latency time.Duration) ResponseReceived {
	return ResponseReceived{
		EventType:    "response_received",
		Timestamp:    eventTime(),
		RequestID:    requestID,
		StatusCode:   statusCode,
		Success:      statusCode >= 200 && statusCode < 400,
		ResponseSize: responseSize,
		LatencyMS:    float64(latency.Milliseconds()),
	}
}

// SwarmMessage is emitted alongside ResponseReceived for inter-agent
// traffic so the dashboard can draw the swarm topology.
type SwarmMessage struct {
	EventType   string `json:"event_type"`
	Timestamp   string `json:"timestamp"`
	RequestID   string `json:"request_id"`
	FromAgent   string `json:"from_agent,omitempty"`
	ToAgent     string `json:"to_agent,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	Mutated     bool   `json:"mutated"`
}

func (SwarmMessage) Kind() string { return "swarm_message" }

// NewSwarmMessage stamps a swarm_message event.
func NewSwarmMessage(requestID, fromAgent, toAgent, messageType string, mutated bool) SwarmMessage {
	return SwarmMessage{
		EventType:   "swarm_message",
		Timestamp:   eventTime(),
		RequestID:   requestID,
		FromAgent:   fromAgent,
		ToAgent:     toAgent,
		MessageType: messageType,
		Mutated:     mutated,
	}
}
