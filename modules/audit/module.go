// Package audit consumes room events and keeps running totals. It is
// advisory only: nothing on the send path waits for it.
package audit

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/example/roomsync-demo/events"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// Module is an EventConsumerModule counting accepted messages,
// moderation blocks, joins and leaves.
type Module struct {
	accepted uint64
	blocked  uint64
	joins    uint64
	leaves   uint64
}

// Compile-time interface checks.
var _ mono.Module = (*Module)(nil)
var _ mono.EventConsumerModule = (*Module)(nil)
var _ mono.HealthCheckableModule = (*Module)(nil)

// NewModule creates a new audit module.
func NewModule() *Module {
	return &Module{}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "audit"
}

// Start initializes the module.
func (m *Module) Start(_ context.Context) error {
	log.Println("[audit] Module started")
	return nil
}

// Stop shuts down the module, logging the final totals.
func (m *Module) Stop(_ context.Context) error {
	log.Printf("[audit] Module stopped - accepted=%d blocked=%d joins=%d leaves=%d",
		atomic.LoadUint64(&m.accepted),
		atomic.LoadUint64(&m.blocked),
		atomic.LoadUint64(&m.joins),
		atomic.LoadUint64(&m.leaves))
	return nil
}

// Health returns the health status with the current counters.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"messages_accepted":  atomic.LoadUint64(&m.accepted),
			"moderation_blocked": atomic.LoadUint64(&m.blocked),
			"participant_joins":  atomic.LoadUint64(&m.joins),
			"participant_leaves": atomic.LoadUint64(&m.leaves),
		},
	}
}

// RegisterEventConsumers registers handlers for the room events.
func (m *Module) RegisterEventConsumers(registry mono.EventRegistry) error {
	if err := helper.RegisterTypedEventConsumer(
		registry, events.MessageAcceptedV1, m.handleMessageAccepted, m,
	); err != nil {
		return fmt.Errorf("failed to register MessageAccepted consumer: %w", err)
	}

	if err := helper.RegisterTypedEventConsumer(
		registry, events.ModerationBlockedV1, m.handleModerationBlocked, m,
	); err != nil {
		return fmt.Errorf("failed to register ModerationBlocked consumer: %w", err)
	}

	if err := helper.RegisterTypedEventConsumer(
		registry, events.ParticipantJoinedV1, m.handleParticipantJoined, m,
	); err != nil {
		return fmt.Errorf("failed to register ParticipantJoined consumer: %w", err)
	}

	if err := helper.RegisterTypedEventConsumer(
		registry, events.ParticipantLeftV1, m.handleParticipantLeft, m,
	); err != nil {
		return fmt.Errorf("failed to register ParticipantLeft consumer: %w", err)
	}

	return nil
}

func (m *Module) handleMessageAccepted(_ context.Context, _ events.MessageAcceptedEvent, _ *mono.Msg) error {
	atomic.AddUint64(&m.accepted, 1)
	return nil
}

func (m *Module) handleModerationBlocked(_ context.Context, event events.ModerationBlockedEvent, _ *mono.Msg) error {
	atomic.AddUint64(&m.blocked, 1)
	log.Printf("[audit] moderation blocked a message from %q in room %q (%d chars)",
		event.Nick, event.Room, event.Length)
	return nil
}

func (m *Module) handleParticipantJoined(_ context.Context, _ events.ParticipantJoinedEvent, _ *mono.Msg) error {
	atomic.AddUint64(&m.joins, 1)
	return nil
}

func (m *Module) handleParticipantLeft(_ context.Context, _ events.ParticipantLeftEvent, _ *mono.Msg) error {
	atomic.AddUint64(&m.leaves, 1)
	return nil
}
