// ABOUTME: Routes outbound send commands to the ready session for a sender account
// ABOUTME: Bypasses the mailboxes and calls the engine handle directly

package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultRecipientSuffix is appended to outbound recipients.
const DefaultRecipientSuffix = "@c.us"

// Router delivers outbound messages through live sessions.
type Router struct {
	registry *Registry
	suffix   string
	logger   *slog.Logger
}

// NewRouter creates a Router. suffix is appended to every recipient that
// does not already end with it; pass "" to send recipients unchanged.
func NewRouter(registry *Registry, suffix string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		suffix:   suffix,
		logger:   logger.With("component", "router"),
	}
}

// Send transmits message from the ready session for accountID to recipient.
func (r *Router) Send(ctx context.Context, accountID, recipient, message string) error {
	switch {
	case accountID == "":
		return fmt.Errorf("%w: sender is required", ErrValidation)
	case recipient == "":
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	case message == "":
		return fmt.Errorf("%w: message is required", ErrValidation)
	}

	s, ok := r.registry.LookupByAccount(accountID)
	if !ok {
		return ErrClientNotFound
	}
	h := s.handleRef()
	if h == nil {
		return ErrClientNotFound
	}

	to := r.address(recipient)
	if err := h.Transmit(ctx, to, message); err != nil {
		r.logger.Warn("message delivery failed",
			"client_id", s.ClientID,
			"account_id", accountID,
			"recipient", to,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	r.logger.Info("message sent",
		"client_id", s.ClientID,
		"account_id", accountID,
		"recipient", to,
	)
	return nil
}

func (r *Router) address(recipient string) string {
	if r.suffix == "" || strings.HasSuffix(recipient, r.suffix) {
		return recipient
	}
	return recipient + r.suffix
}
