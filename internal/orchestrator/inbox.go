package orchestrator

import (
	"context"
	"fmt"

	"agentnet/internal/domain"
)

// handleInbox runs on the bus mailbox goroutine. It only queues work for the
// next tick; task state is never touched here.
func (s *Service) handleInbox(_ context.Context, msg domain.Message) error {
	switch msg.Type {
	case domain.MessageTypeResponse:
		var res domain.ResultPayload
		if err := msg.Decode(&res); err != nil {
			return err
		}
		if res.AssignmentID == "" {
			res.AssignmentID = msg.CorrelationID
		}
		if res.AssignmentID == "" {
			return fmt.Errorf("%w: response without assignment id", domain.ErrInvalidMessage)
		}
		if !s.agents.Touch(msg.SenderID) {
			s.readmit(msg.SenderID)
		}
		s.enqueue(notification{agentID: msg.SenderID, result: res})
		return nil
	case domain.MessageTypeHeartbeat:
		if !s.agents.Touch(msg.SenderID) && !s.readmit(msg.SenderID) {
			s.logger.WithField("agent_id", msg.SenderID).Warn("heartbeat from unregistered agent")
		}
		return nil
	case domain.MessageTypeNotification, domain.MessageTypeRequest:
		s.logger.WithField("agent_id", msg.SenderID).Debugf("orchestrator ignores %s", msg.Type)
		return nil
	default:
		return fmt.Errorf("%w: orchestrator cannot handle %s", domain.ErrInvalidMessage, msg.Type)
	}
}

func (s *Service) enqueue(n notification) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, n)
	s.inboxMu.Unlock()
}

func (s *Service) drainInbox() []notification {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	out := s.inbox
	s.inbox = nil
	return out
}
