package access

import (
	"encoding/hex"
	"strconv"

	"noodles/core/events"
	"noodles/core/types"
)

const (
	// EventTypeRoleGranted is emitted when an account gains a role.
	EventTypeRoleGranted = "access.role.granted"
	// EventTypeRoleRevoked is emitted when an account loses a role.
	EventTypeRoleRevoked = "access.role.revoked"
	// EventTypeRoleAdminChanged is reserved for changes to a role's admin
	// role. The registry keeps DEFAULT_ADMIN_ROLE as the admin of every role,
	// so the runtime never emits it; the constant exists for indexer parity.
	EventTypeRoleAdminChanged = "access.role.admin_changed"
	// EventTypeAdminTransferScheduled announces a pending admin handover.
	EventTypeAdminTransferScheduled = "access.admin.transfer_scheduled"
	// EventTypeAdminTransferCanceled announces a dropped admin handover.
	EventTypeAdminTransferCanceled = "access.admin.transfer_canceled"
	// EventTypeAdminDelayChangeScheduled announces a pending delay change.
	EventTypeAdminDelayChangeScheduled = "access.admin.delay_change_scheduled"
	// EventTypeAdminDelayChangeCanceled announces a dropped delay change.
	EventTypeAdminDelayChangeCanceled = "access.admin.delay_change_canceled"
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

// RoleGrantedEvent records an account gaining a role.
func RoleGrantedEvent(role string, account [20]byte, sender [20]byte) *types.Event {
	return &types.Event{
		Type: EventTypeRoleGranted,
		Attributes: map[string]string{
			"role":    role,
			"account": hexAddr(account),
			"sender":  hexAddr(sender),
		},
	}
}

// RoleRevokedEvent records an account losing a role.
func RoleRevokedEvent(role string, account [20]byte, sender [20]byte) *types.Event {
	return &types.Event{
		Type: EventTypeRoleRevoked,
		Attributes: map[string]string{
			"role":    role,
			"account": hexAddr(account),
			"sender":  hexAddr(sender),
		},
	}
}

// DefaultAdminTransferScheduledEvent announces a pending admin handover.
func DefaultAdminTransferScheduledEvent(newAdmin [20]byte, acceptSchedule int64) *types.Event {
	return &types.Event{
		Type: EventTypeAdminTransferScheduled,
		Attributes: map[string]string{
			"newAdmin":       hexAddr(newAdmin),
			"acceptSchedule": strconv.FormatInt(acceptSchedule, 10),
		},
	}
}

// DefaultAdminTransferCanceledEvent announces a dropped admin handover.
func DefaultAdminTransferCanceledEvent() *types.Event {
	return &types.Event{
		Type:       EventTypeAdminTransferCanceled,
		Attributes: map[string]string{},
	}
}

// DefaultAdminDelayChangeScheduledEvent announces a pending delay change.
func DefaultAdminDelayChangeScheduledEvent(newDelay int64, effectSchedule int64) *types.Event {
	return &types.Event{
		Type: EventTypeAdminDelayChangeScheduled,
		Attributes: map[string]string{
			"newDelay":       strconv.FormatInt(newDelay, 10),
			"effectSchedule": strconv.FormatInt(effectSchedule, 10),
		},
	}
}

// DefaultAdminDelayChangeCanceledEvent announces a dropped delay change.
func DefaultAdminDelayChangeCanceledEvent() *types.Event {
	return &types.Event{
		Type:       EventTypeAdminDelayChangeCanceled,
		Attributes: map[string]string{},
	}
}
