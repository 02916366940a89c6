package access

import (
	"errors"
	"time"

	"noodles/core/events"
	"noodles/core/types"
)

// Role names are stable wire-level identifiers; downstream indexers key role
// events by these exact strings.
const (
	RoleDefaultAdmin    = "DEFAULT_ADMIN_ROLE"
	RoleCreatorsChecker = "CREATORS_CHECKER_ROLE"
	RoleCreditsTransfer = "CREDITS_TRANSFER_ROLE"
	RoleDisputeResolver = "DISPUTE_RESOLVER_ROLE"
)

// InitialAdminDelay is the delay applied to admin handover until governance
// schedules a different one.
const InitialAdminDelay = int64(3 * 86_400)

var (
	// ErrUnauthorized is returned when the caller lacks the required role.
	ErrUnauthorized = errors.New("access registry: missing role")
	// ErrInvalidAddress is returned when the zero address is supplied where a
	// real account is required.
	ErrInvalidAddress = errors.New("access registry: invalid address")

	errNilState            = errors.New("access registry: state not configured")
	errRoleRequired        = errors.New("access registry: role must not be empty")
	errTransferNotPending  = errors.New("access registry: no admin transfer scheduled")
	errTransferNotReady    = errors.New("access registry: admin transfer delay still running")
	errDelayChangePending  = errors.New("access registry: no delay change scheduled")
	errInvalidDelay        = errors.New("access registry: delay must not be negative")
	errAdminAlreadyDefined = errors.New("access registry: default admin already bootstrapped")
)

// AdminTransfer captures a scheduled default-admin handover.
type AdminTransfer struct {
	NewAdmin       [20]byte
	AcceptSchedule int64
}

// AdminDelay captures the active handover delay plus an optionally pending
// replacement that becomes effective once its schedule passes.
type AdminDelay struct {
	Current        int64
	PendingDelay   int64
	EffectSchedule int64
	HasPending     bool
}

type registryState interface {
	RoleMembersGet(role string) ([][20]byte, error)
	RoleMembersPut(role string, members [][20]byte) error
	AdminTransferGet() (*AdminTransfer, bool, error)
	AdminTransferPut(transfer *AdminTransfer) error
	AdminTransferDelete() error
	AdminDelayGet() (*AdminDelay, bool, error)
	AdminDelayPut(delay *AdminDelay) error
}

// Registry stores (role, account) memberships and runs the two-phase
// default-admin handover protocol. All other role mutations are immediate.
type Registry struct {
	state   registryState
	emitter events.Emitter
	nowFn   func() int64
}

// NewRegistry constructs a registry with default dependencies.
func NewRegistry() *Registry {
	return &Registry{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the registry.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetEmitter configures the event emitter used by the registry.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the time source used for deterministic testing.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Registry) emit(evt *types.Event) {
	if r == nil || evt == nil || r.emitter == nil {
		return
	}
	r.emitter.Emit(WrapEvent(evt))
}

func (r *Registry) now() int64 {
	if r == nil || r.nowFn == nil {
		return time.Now().Unix()
	}
	return r.nowFn()
}

func isZeroAddress(addr [20]byte) bool {
	var zero [20]byte
	return addr == zero
}

// Bootstrap installs the initial default admin and handover delay. It fails if
// an admin is already recorded so genesis wiring cannot clobber live state.
func (r *Registry) Bootstrap(admin [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if isZeroAddress(admin) {
		return ErrInvalidAddress
	}
	existing, err := r.state.RoleMembersGet(RoleDefaultAdmin)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return errAdminAlreadyDefined
	}
	if err := r.state.RoleMembersPut(RoleDefaultAdmin, [][20]byte{admin}); err != nil {
		return err
	}
	if err := r.state.AdminDelayPut(&AdminDelay{Current: InitialAdminDelay}); err != nil {
		return err
	}
	r.emit(RoleGrantedEvent(RoleDefaultAdmin, admin, admin))
	return nil
}

// HasRole reports whether the address is associated with the role. Read errors
// resolve to false, matching the best-effort semantics role gates require.
func (r *Registry) HasRole(role string, addr [20]byte) bool {
	if r == nil || r.state == nil || isZeroAddress(addr) {
		return false
	}
	members, err := r.state.RoleMembersGet(role)
	if err != nil {
		return false
	}
	for _, member := range members {
		if member == addr {
			return true
		}
	}
	return false
}

func (r *Registry) requireAdmin(caller [20]byte) error {
	if !r.HasRole(RoleDefaultAdmin, caller) {
		return ErrUnauthorized
	}
	return nil
}

// GrantRole associates the address with the role. Only the default admin may
// grant roles; duplicate grants are idempotent and emit no event.
func (r *Registry) GrantRole(caller [20]byte, role string, addr [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if role == "" {
		return errRoleRequired
	}
	if isZeroAddress(addr) {
		return ErrInvalidAddress
	}
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	members, err := r.state.RoleMembersGet(role)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member == addr {
			return nil
		}
	}
	members = append(members, addr)
	if err := r.state.RoleMembersPut(role, members); err != nil {
		return err
	}
	r.emit(RoleGrantedEvent(role, addr, caller))
	return nil
}

// RevokeRole removes the address from the role. Missing memberships are
// ignored so repeated revocations stay idempotent.
func (r *Registry) RevokeRole(caller [20]byte, role string, addr [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if role == "" {
		return errRoleRequired
	}
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	members, err := r.state.RoleMembersGet(role)
	if err != nil {
		return err
	}
	filtered := make([][20]byte, 0, len(members))
	removed := false
	for _, member := range members {
		if member == addr {
			removed = true
			continue
		}
		filtered = append(filtered, member)
	}
	if !removed {
		return nil
	}
	if err := r.state.RoleMembersPut(role, filtered); err != nil {
		return err
	}
	r.emit(RoleRevokedEvent(role, addr, caller))
	return nil
}

// currentDelay resolves the active handover delay, promoting a pending delay
// change whose schedule has passed. Promotion writes through so later reads
// observe the settled value.
func (r *Registry) currentDelay(now int64) (int64, error) {
	delay, ok, err := r.state.AdminDelayGet()
	if err != nil {
		return 0, err
	}
	if !ok || delay == nil {
		return InitialAdminDelay, nil
	}
	if delay.HasPending && now >= delay.EffectSchedule {
		delay.Current = delay.PendingDelay
		delay.HasPending = false
		delay.PendingDelay = 0
		delay.EffectSchedule = 0
		if err := r.state.AdminDelayPut(delay); err != nil {
			return 0, err
		}
	}
	return delay.Current, nil
}

// BeginDefaultAdminTransfer schedules an admin handover. A new schedule
// replaces any pending one.
func (r *Registry) BeginDefaultAdminTransfer(caller [20]byte, newAdmin [20]byte) (*AdminTransfer, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	if isZeroAddress(newAdmin) {
		return nil, ErrInvalidAddress
	}
	if err := r.requireAdmin(caller); err != nil {
		return nil, err
	}
	now := r.now()
	delay, err := r.currentDelay(now)
	if err != nil {
		return nil, err
	}
	transfer := &AdminTransfer{NewAdmin: newAdmin, AcceptSchedule: now + delay}
	if err := r.state.AdminTransferPut(transfer); err != nil {
		return nil, err
	}
	r.emit(DefaultAdminTransferScheduledEvent(newAdmin, transfer.AcceptSchedule))
	return transfer, nil
}

// CancelDefaultAdminTransfer drops a pending admin handover.
func (r *Registry) CancelDefaultAdminTransfer(caller [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	_, ok, err := r.state.AdminTransferGet()
	if err != nil {
		return err
	}
	if !ok {
		return errTransferNotPending
	}
	if err := r.state.AdminTransferDelete(); err != nil {
		return err
	}
	r.emit(DefaultAdminTransferCanceledEvent())
	return nil
}

// AcceptDefaultAdminTransfer completes a scheduled handover. Only the
// designated new admin may accept, and only after the schedule has passed.
// The previous admin loses the role in the same commit.
func (r *Registry) AcceptDefaultAdminTransfer(caller [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	transfer, ok, err := r.state.AdminTransferGet()
	if err != nil {
		return err
	}
	if !ok || transfer == nil {
		return errTransferNotPending
	}
	if caller != transfer.NewAdmin {
		return ErrUnauthorized
	}
	if r.now() < transfer.AcceptSchedule {
		return errTransferNotReady
	}
	previous, err := r.state.RoleMembersGet(RoleDefaultAdmin)
	if err != nil {
		return err
	}
	if err := r.state.RoleMembersPut(RoleDefaultAdmin, [][20]byte{transfer.NewAdmin}); err != nil {
		return err
	}
	if err := r.state.AdminTransferDelete(); err != nil {
		return err
	}
	for _, prev := range previous {
		if prev != transfer.NewAdmin {
			r.emit(RoleRevokedEvent(RoleDefaultAdmin, prev, caller))
		}
	}
	r.emit(RoleGrantedEvent(RoleDefaultAdmin, transfer.NewAdmin, caller))
	return nil
}

// ChangeDefaultAdminDelay schedules a replacement handover delay using the
// same two-phase pattern as the admin transfer itself.
func (r *Registry) ChangeDefaultAdminDelay(caller [20]byte, newDelay int64) (*AdminDelay, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	if newDelay < 0 {
		return nil, errInvalidDelay
	}
	if err := r.requireAdmin(caller); err != nil {
		return nil, err
	}
	now := r.now()
	current, err := r.currentDelay(now)
	if err != nil {
		return nil, err
	}
	delay := &AdminDelay{
		Current:        current,
		PendingDelay:   newDelay,
		EffectSchedule: now + current,
		HasPending:     true,
	}
	if err := r.state.AdminDelayPut(delay); err != nil {
		return nil, err
	}
	r.emit(DefaultAdminDelayChangeScheduledEvent(newDelay, delay.EffectSchedule))
	return delay, nil
}

// RollbackDefaultAdminDelay cancels a pending delay change before it takes
// effect.
func (r *Registry) RollbackDefaultAdminDelay(caller [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	now := r.now()
	if _, err := r.currentDelay(now); err != nil {
		return err
	}
	delay, ok, err := r.state.AdminDelayGet()
	if err != nil {
		return err
	}
	if !ok || delay == nil || !delay.HasPending {
		return errDelayChangePending
	}
	delay.HasPending = false
	delay.PendingDelay = 0
	delay.EffectSchedule = 0
	if err := r.state.AdminDelayPut(delay); err != nil {
		return err
	}
	r.emit(DefaultAdminDelayChangeCanceledEvent())
	return nil
}

// DefaultAdminDelay returns the currently effective handover delay.
func (r *Registry) DefaultAdminDelay() (int64, error) {
	if r == nil || r.state == nil {
		return 0, errNilState
	}
	return r.currentDelay(r.now())
}

// PendingDefaultAdmin returns the scheduled handover, if any.
func (r *Registry) PendingDefaultAdmin() (*AdminTransfer, bool, error) {
	if r == nil || r.state == nil {
		return nil, false, errNilState
	}
	return r.state.AdminTransferGet()
}
