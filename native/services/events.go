package services

import (
	"encoding/hex"
	"strconv"

	"noodles/core/events"
	"noodles/core/types"
)

const (
	// EventTypeServiceCreated is emitted when a creator registers a service.
	EventTypeServiceCreated = "services.created"
	// EventTypeServiceUpdated is emitted when a service is toggled.
	EventTypeServiceUpdated = "services.updated"
	// EventTypeExecutionRequested is emitted when credits are escrowed for a
	// new execution.
	EventTypeExecutionRequested = "services.execution.requested"
	// EventTypeExecutionCanceled is emitted when a requested execution is
	// refunded before acceptance.
	EventTypeExecutionCanceled = "services.execution.canceled"
	// EventTypeExecutionAccepted is emitted when the creator takes the work.
	EventTypeExecutionAccepted = "services.execution.accepted"
	// EventTypeExecutionValidated is emitted when escrow pays the creator.
	EventTypeExecutionValidated = "services.execution.validated"
	// EventTypeExecutionDisputed is emitted when the requester contests.
	EventTypeExecutionDisputed = "services.execution.disputed"
	// EventTypeExecutionResolved is emitted when a dispute settles.
	EventTypeExecutionResolved = "services.execution.resolved"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func formatNonce(n uint64) string { return strconv.FormatUint(n, 10) }

// ServiceCreatedEvent records a newly registered service.
func ServiceCreatedEvent(s *Service) *types.Event {
	return &types.Event{
		Type: EventTypeServiceCreated,
		Attributes: map[string]string{
			"nonce":             formatNonce(s.Nonce),
			"serviceType":       s.ServiceType,
			"visibilityId":      s.VisibilityID,
			"creditsCostAmount": s.CreditsCost.String(),
		},
	}
}

// ServiceUpdatedEvent records a service toggle.
func ServiceUpdatedEvent(nonce uint64, enabled bool) *types.Event {
	return &types.Event{
		Type: EventTypeServiceUpdated,
		Attributes: map[string]string{
			"nonce":   formatNonce(nonce),
			"enabled": strconv.FormatBool(enabled),
		},
	}
}

// ExecutionRequestedEvent records escrowed credits awaiting acceptance.
func ExecutionRequestedEvent(serviceNonce, executionNonce uint64, requester [20]byte, requestData string) *types.Event {
	return &types.Event{
		Type: EventTypeExecutionRequested,
		Attributes: map[string]string{
			"serviceNonce":   formatNonce(serviceNonce),
			"executionNonce": formatNonce(executionNonce),
			"requester":      hexAddr(requester),
			"requestData":    requestData,
		},
	}
}

// ExecutionCanceledEvent records a pre-acceptance refund.
func ExecutionCanceledEvent(serviceNonce, executionNonce uint64, from [20]byte, cancelData string) *types.Event {
	return &types.Event{
		Type: EventTypeExecutionCanceled,
		Attributes: map[string]string{
			"serviceNonce":   formatNonce(serviceNonce),
			"executionNonce": formatNonce(executionNonce),
			"from":           hexAddr(from),
			"cancelData":     cancelData,
		},
	}
}

// ExecutionAcceptedEvent records the creator taking the work.
func ExecutionAcceptedEvent(serviceNonce, executionNonce uint64, responseData string) *types.Event {
	return &types.Event{
		Type: EventTypeExecutionAccepted,
		Attributes: map[string]string{
			"serviceNonce":   formatNonce(serviceNonce),
			"executionNonce": formatNonce(executionNonce),
			"responseData":   responseData,
		},
	}
}

// ExecutionValidatedEvent records escrow paying out to the creator.
func ExecutionValidatedEvent(serviceNonce, executionNonce uint64) *types.Event {
	return &types.Event{
		Type: EventTypeExecutionValidated,
		Attributes: map[string]string{
			"serviceNonce":   formatNonce(serviceNonce),
			"executionNonce": formatNonce(executionNonce),
		},
	}
}

// ExecutionDisputedEvent records the requester contesting accepted work.
func ExecutionDisputedEvent(serviceNonce, executionNonce uint64, disputeData string) *types.Event {
	return &types.Event{
		Type: EventTypeExecutionDisputed,
		Attributes: map[string]string{
			"serviceNonce":   formatNonce(serviceNonce),
			"executionNonce": formatNonce(executionNonce),
			"disputeData":    disputeData,
		},
	}
}

// ExecutionResolvedEvent records the dispute resolver settling the escrow.
func ExecutionResolvedEvent(serviceNonce, executionNonce uint64, refund bool, resolveData string) *types.Event {
	return &types.Event{
		Type: EventTypeExecutionResolved,
		Attributes: map[string]string{
			"serviceNonce":   formatNonce(serviceNonce),
			"executionNonce": formatNonce(executionNonce),
			"refund":         strconv.FormatBool(refund),
			"resolveData":    resolveData,
		},
	}
}
