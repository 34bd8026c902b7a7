package policy

import (
	"fmt"

	"agentnet/internal/domain"
)

// Rule constrains who may send a message type and where it may go. Empty
// fields match anything.
type Rule struct {
	Type           domain.MessageType
	OnlyFrom       string
	OnlyTo         string
	AllowBroadcast bool
}

type Engine struct {
	rules map[domain.MessageType]Rule
}

func New(rules ...Rule) *Engine {
	e := &Engine{rules: make(map[domain.MessageType]Rule, len(rules))}
	for _, r := range rules {
		e.rules[r.Type] = r
	}
	return e
}

// Default enforces the orchestration contract: only the orchestrator assigns
// or cancels work, and agents answer only to the orchestrator.
func Default() *Engine {
	return New(
		Rule{Type: domain.MessageTypeTaskAssignment, OnlyFrom: domain.OrchestratorID},
		Rule{Type: domain.MessageTypeCancel, OnlyFrom: domain.OrchestratorID},
		Rule{Type: domain.MessageTypeResponse, OnlyTo: domain.OrchestratorID},
		Rule{Type: domain.MessageTypeHeartbeat, OnlyTo: domain.OrchestratorID},
		Rule{Type: domain.MessageTypeNotification, AllowBroadcast: true},
		Rule{Type: domain.MessageTypeRequest, AllowBroadcast: true},
	)
}

func (e *Engine) CanMessage(msg domain.Message) (bool, string) {
	rule, ok := e.rules[msg.Type]
	if !ok {
		return false, fmt.Sprintf("message type %s is not allowed", msg.Type)
	}
	if rule.OnlyFrom != "" && msg.SenderID != rule.OnlyFrom {
		return false, fmt.Sprintf("%s may only be sent by %s", msg.Type, rule.OnlyFrom)
	}
	if msg.IsBroadcast() {
		if !rule.AllowBroadcast {
			return false, fmt.Sprintf("%s cannot be broadcast", msg.Type)
		}
		return true, ""
	}
	if rule.OnlyTo != "" && msg.RecipientID != rule.OnlyTo {
		return false, fmt.Sprintf("%s may only be sent to %s", msg.Type, rule.OnlyTo)
	}
	return true, ""
}
