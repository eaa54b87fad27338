package service

import (
	"context"
	"fmt"

	"github.com/zlnvch/drawcast/models"
)

// JoinSession adds the user to the session's presence list and returns the
// current members. Other members get member_added on the user's first
// connection only.
func (s *Service) JoinSession(ctx context.Context, sessionId string, user models.User) ([]models.Member, error) {
	if err := ValidateSessionId(sessionId); err != nil {
		return nil, err
	}

	member := user.Member()
	first, err := s.Cache.JoinPresence(ctx, sessionId, member)
	if err != nil {
		return nil, fmt.Errorf("join session: %w", err)
	}

	members, err := s.Cache.GetPresence(ctx, sessionId)
	if err != nil {
		// The connection is not recorded by the caller, so undo the count
		if _, leaveErr := s.Cache.LeavePresence(ctx, sessionId, member.Id); leaveErr != nil {
			s.Logger.Error("failed to roll back presence", "sessionId", sessionId, "userId", member.Id, "error", leaveErr)
		}
		return nil, fmt.Errorf("join session: %w", err)
	}

	if first {
		s.publishPresenceAsync(sessionId, models.EventMemberAdded, member)
	}

	return members, nil
}

// LeaveSession removes one connection of the user from the session.
func (s *Service) LeaveSession(ctx context.Context, sessionId string, user models.User) error {
	last, err := s.Cache.LeavePresence(ctx, sessionId, user.Id)
	if err != nil {
		return fmt.Errorf("leave session: %w", err)
	}
	if last {
		s.publishPresenceAsync(sessionId, models.EventMemberRemoved, user.Member())
	}
	return nil
}

func (s *Service) publishPresenceAsync(sessionId string, eventType string, member models.Member) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.Gateway.PublishPresence(ctx, sessionId, eventType, member); err != nil {
			s.Logger.Error("presence broadcast failed", "sessionId", sessionId, "event", eventType, "error", err)
		}
	}()
}
