package services

import (
	"errors"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"lukechampine.com/blake3"

	"noodles/core/events"
	"noodles/core/types"
	"noodles/native/access"
)

var (
	// ErrDisabledService is returned when an execution is requested on a
	// service whose creator has toggled it off.
	ErrDisabledService = errors.New("services engine: service disabled")
	// ErrInvalidExecutionState is returned for transitions from an unexpected
	// source state, including any transition out of a terminal leaf.
	ErrInvalidExecutionState = errors.New("services engine: invalid execution state")
	// ErrUnauthorizedExecutionAction is returned when the caller is not in
	// the allowed principal set for the transition.
	ErrUnauthorizedExecutionAction = errors.New("services engine: unauthorized execution action")
	// ErrInvalidCreator is returned when a creator-gated operation is called
	// by anyone else, or the visibility has no creator linked.
	ErrInvalidCreator = errors.New("services engine: invalid creator")
	// ErrServiceNotFound is returned for operations on unknown service
	// nonces.
	ErrServiceNotFound = errors.New("services engine: service not found")
	// ErrInvalidAmount is returned for nil or negative credit costs.
	ErrInvalidAmount = errors.New("services engine: invalid amount")

	errNilState       = errors.New("services engine: state not configured")
	errNilCredits     = errors.New("services engine: credits ledger not configured")
	errEscrowNotSet   = errors.New("services engine: escrow account not configured")
	errInvalidPayload = errors.New("services engine: invalid payload")
	errTypeRequired   = errors.New("services engine: service type required")
)

// AutoValidationDelay is the wall-clock window after acceptance during which
// only the requester may validate; past it anyone can settle to the creator.
const AutoValidationDelay = int64(5 * 86_400)

const maxPayloadLength = 4096

type engineState interface {
	ServicesNonceGet() (uint64, error)
	ServicesNoncePut(nonce uint64) error
	ServiceGet(nonce uint64) (*Service, bool, error)
	ServicePut(service *Service) error
	ExecutionGet(serviceNonce, executionNonce uint64) (*Execution, bool, error)
	ExecutionPut(execution *Execution) error
	HasRole(role string, addr [20]byte) bool
}

// creditsLedger is the slice of the credits engine the services engine needs:
// a live creator lookup plus the privileged transfer primitive used for
// escrow. The engine's own account must hold CREDITS_TRANSFER_ROLE.
type creditsLedger interface {
	VisibilityCreator(visibilityID string) ([20]byte, bool, error)
	TransferCredits(caller [20]byte, visibilityID string, from, to [20]byte, amount *big.Int) error
}

// Engine runs the per-execution settlement state machine. Credits move
// through the credits engine's transfer primitive; the engine's escrow
// account participates in the credit book like any other holder.
type Engine struct {
	state         engineState
	credits       creditsLedger
	emitter       events.Emitter
	nowFn         func() int64
	escrowAccount [20]byte
}

// NewEngine constructs a services engine bound to the supplied credits
// ledger.
func NewEngine(credits creditsLedger) *Engine {
	return &Engine{
		credits: credits,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEscrowAccount configures the account that holds escrowed credits
// between request and settlement.
func (e *Engine) SetEscrowAccount(addr [20]byte) { e.escrowAccount = addr }

// EscrowAccount returns the engine's escrow account.
func (e *Engine) EscrowAccount() [20]byte { return e.escrowAccount }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func isZeroAddress(addr [20]byte) bool {
	var zero [20]byte
	return addr == zero
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.credits == nil {
		return errNilCredits
	}
	if isZeroAddress(e.escrowAccount) {
		return errEscrowNotSet
	}
	return nil
}

func sanitizePayload(raw string) (string, error) {
	if len(raw) > maxPayloadLength || !utf8.ValidString(raw) {
		return "", errInvalidPayload
	}
	return raw, nil
}

// serviceCreator resolves the live creator of the service's visibility. The
// lookup happens on every transition: if the link changes mid-execution,
// authorization follows the new creator.
func (e *Engine) serviceCreator(service *Service) ([20]byte, error) {
	creator, ok, err := e.credits.VisibilityCreator(service.VisibilityID)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, ErrInvalidCreator
	}
	return creator, nil
}

func (e *Engine) loadService(nonce uint64) (*Service, error) {
	service, ok, err := e.state.ServiceGet(nonce)
	if err != nil {
		return nil, err
	}
	if !ok || service == nil {
		return nil, ErrServiceNotFound
	}
	if service.CreditsCost == nil {
		service.CreditsCost = big.NewInt(0)
	}
	return service, nil
}

func (e *Engine) loadExecution(serviceNonce, executionNonce uint64) (*Execution, error) {
	execution, ok, err := e.state.ExecutionGet(serviceNonce, executionNonce)
	if err != nil {
		return nil, err
	}
	if !ok || execution == nil {
		return nil, ErrInvalidExecutionState
	}
	return execution, nil
}

// moveEscrow shuttles the service's credit cost through the credits engine
// using the engine's own authority. Zero-cost services settle without a
// transfer.
func (e *Engine) moveEscrow(service *Service, from, to [20]byte) error {
	if service.CreditsCost.Sign() == 0 {
		return nil
	}
	return e.credits.TransferCredits(e.escrowAccount, service.VisibilityID, from, to, service.CreditsCost)
}

// CreateService registers a new service bound to the visibility. Only the
// visibility's current creator may create services against it.
func (e *Engine) CreateService(caller [20]byte, serviceType string, visibilityID string, creditsCost *big.Int) (*Service, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	trimmedType := strings.TrimSpace(serviceType)
	if trimmedType == "" || !utf8.ValidString(trimmedType) {
		return nil, errTypeRequired
	}
	if creditsCost == nil || creditsCost.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	creator, ok, err := e.credits.VisibilityCreator(visibilityID)
	if err != nil {
		return nil, err
	}
	if !ok || caller != creator {
		return nil, ErrInvalidCreator
	}
	nonce, err := e.state.ServicesNonceGet()
	if err != nil {
		return nil, err
	}
	service := &Service{
		Nonce:        nonce,
		Enabled:      true,
		ServiceType:  trimmedType,
		VisibilityID: visibilityID,
		CreditsCost:  new(big.Int).Set(creditsCost),
	}
	if err := e.state.ServicesNoncePut(nonce + 1); err != nil {
		return nil, err
	}
	if err := e.state.ServicePut(service); err != nil {
		return nil, err
	}
	e.emit(ServiceCreatedEvent(service))
	return service.Clone(), nil
}

// UpdateService toggles the service. Only the visibility's current creator
// may update it.
func (e *Engine) UpdateService(caller [20]byte, nonce uint64, enabled bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	service, err := e.loadService(nonce)
	if err != nil {
		return err
	}
	creator, err := e.serviceCreator(service)
	if err != nil {
		return err
	}
	if caller != creator {
		return ErrInvalidCreator
	}
	service.Enabled = enabled
	if err := e.state.ServicePut(service); err != nil {
		return err
	}
	e.emit(ServiceUpdatedEvent(nonce, enabled))
	return nil
}

// RequestServiceExecution escrows the service cost from the caller and opens
// a new execution in REQUESTED state. Anyone with sufficient credits may
// request.
func (e *Engine) RequestServiceExecution(caller [20]byte, serviceNonce uint64, requestData string) (*Execution, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	payload, err := sanitizePayload(requestData)
	if err != nil {
		return nil, err
	}
	service, err := e.loadService(serviceNonce)
	if err != nil {
		return nil, err
	}
	if !service.Enabled {
		return nil, ErrDisabledService
	}
	if err := e.moveEscrow(service, caller, e.escrowAccount); err != nil {
		return nil, err
	}
	executionNonce := service.ExecutionsNonce
	service.ExecutionsNonce = executionNonce + 1
	if err := e.state.ServicePut(service); err != nil {
		return nil, err
	}
	execution := &Execution{
		ServiceNonce:  serviceNonce,
		Nonce:         executionNonce,
		State:         StateRequested,
		Requester:     caller,
		RequestDigest: blake3.Sum256([]byte(payload)),
		LastUpdateTS:  e.now(),
	}
	if err := e.state.ExecutionPut(execution); err != nil {
		return nil, err
	}
	e.emit(ExecutionRequestedEvent(serviceNonce, executionNonce, caller, payload))
	return execution.Clone(), nil
}

// AcceptServiceExecution moves a requested execution to ACCEPTED. Creator
// only.
func (e *Engine) AcceptServiceExecution(caller [20]byte, serviceNonce, executionNonce uint64, responseData string) error {
	if err := e.ready(); err != nil {
		return err
	}
	payload, err := sanitizePayload(responseData)
	if err != nil {
		return err
	}
	service, err := e.loadService(serviceNonce)
	if err != nil {
		return err
	}
	execution, err := e.loadExecution(serviceNonce, executionNonce)
	if err != nil {
		return err
	}
	if execution.State != StateRequested {
		return ErrInvalidExecutionState
	}
	creator, err := e.serviceCreator(service)
	if err != nil {
		return err
	}
	if caller != creator {
		return ErrUnauthorizedExecutionAction
	}
	execution.State = StateAccepted
	execution.LastUpdateTS = e.now()
	if err := e.state.ExecutionPut(execution); err != nil {
		return err
	}
	e.emit(ExecutionAcceptedEvent(serviceNonce, executionNonce, payload))
	return nil
}

// CancelServiceExecution refunds a requested execution back to the requester.
// Requester or creator may cancel before acceptance.
func (e *Engine) CancelServiceExecution(caller [20]byte, serviceNonce, executionNonce uint64, cancelData string) error {
	if err := e.ready(); err != nil {
		return err
	}
	payload, err := sanitizePayload(cancelData)
	if err != nil {
		return err
	}
	service, err := e.loadService(serviceNonce)
	if err != nil {
		return err
	}
	execution, err := e.loadExecution(serviceNonce, executionNonce)
	if err != nil {
		return err
	}
	if execution.State != StateRequested {
		return ErrInvalidExecutionState
	}
	creator, _, err := e.credits.VisibilityCreator(service.VisibilityID)
	if err != nil {
		return err
	}
	if caller != execution.Requester && caller != creator {
		return ErrUnauthorizedExecutionAction
	}
	if err := e.moveEscrow(service, e.escrowAccount, execution.Requester); err != nil {
		return err
	}
	execution.State = StateRefunded
	execution.LastUpdateTS = e.now()
	if err := e.state.ExecutionPut(execution); err != nil {
		return err
	}
	e.emit(ExecutionCanceledEvent(serviceNonce, executionNonce, caller, payload))
	return nil
}

// ValidateServiceExecution settles an accepted execution to the creator. The
// requester may validate at any time; once the auto-validation window lapses
// anyone may.
func (e *Engine) ValidateServiceExecution(caller [20]byte, serviceNonce, executionNonce uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	service, err := e.loadService(serviceNonce)
	if err != nil {
		return err
	}
	execution, err := e.loadExecution(serviceNonce, executionNonce)
	if err != nil {
		return err
	}
	if execution.State != StateAccepted {
		return ErrInvalidExecutionState
	}
	now := e.now()
	if caller != execution.Requester && now <= execution.LastUpdateTS+AutoValidationDelay {
		return ErrUnauthorizedExecutionAction
	}
	creator, err := e.serviceCreator(service)
	if err != nil {
		return err
	}
	if err := e.moveEscrow(service, e.escrowAccount, creator); err != nil {
		return err
	}
	execution.State = StateValidated
	execution.LastUpdateTS = now
	if err := e.state.ExecutionPut(execution); err != nil {
		return err
	}
	e.emit(ExecutionValidatedEvent(serviceNonce, executionNonce))
	return nil
}

// DisputeServiceExecution contests accepted work. Requester only.
func (e *Engine) DisputeServiceExecution(caller [20]byte, serviceNonce, executionNonce uint64, disputeData string) error {
	if err := e.ready(); err != nil {
		return err
	}
	payload, err := sanitizePayload(disputeData)
	if err != nil {
		return err
	}
	if _, err := e.loadService(serviceNonce); err != nil {
		return err
	}
	execution, err := e.loadExecution(serviceNonce, executionNonce)
	if err != nil {
		return err
	}
	if execution.State != StateAccepted {
		return ErrInvalidExecutionState
	}
	if caller != execution.Requester {
		return ErrUnauthorizedExecutionAction
	}
	execution.State = StateDisputed
	execution.LastUpdateTS = e.now()
	if err := e.state.ExecutionPut(execution); err != nil {
		return err
	}
	e.emit(ExecutionDisputedEvent(serviceNonce, executionNonce, payload))
	return nil
}

// ResolveServiceExecution settles a disputed execution. Dispute resolver
// only: refund pays the requester, otherwise escrow pays the creator.
func (e *Engine) ResolveServiceExecution(caller [20]byte, serviceNonce, executionNonce uint64, refund bool, resolveData string) error {
	if err := e.ready(); err != nil {
		return err
	}
	payload, err := sanitizePayload(resolveData)
	if err != nil {
		return err
	}
	service, err := e.loadService(serviceNonce)
	if err != nil {
		return err
	}
	execution, err := e.loadExecution(serviceNonce, executionNonce)
	if err != nil {
		return err
	}
	if execution.State != StateDisputed {
		return ErrInvalidExecutionState
	}
	if !e.state.HasRole(access.RoleDisputeResolver, caller) {
		return ErrUnauthorizedExecutionAction
	}
	if refund {
		if err := e.moveEscrow(service, e.escrowAccount, execution.Requester); err != nil {
			return err
		}
		execution.State = StateRefunded
	} else {
		creator, err := e.serviceCreator(service)
		if err != nil {
			return err
		}
		if err := e.moveEscrow(service, e.escrowAccount, creator); err != nil {
			return err
		}
		execution.State = StateValidated
	}
	execution.LastUpdateTS = e.now()
	if err := e.state.ExecutionPut(execution); err != nil {
		return err
	}
	e.emit(ExecutionResolvedEvent(serviceNonce, executionNonce, refund, payload))
	return nil
}

// GetService returns a copy of the service record.
func (e *Engine) GetService(nonce uint64) (*Service, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	service, err := e.loadService(nonce)
	if err != nil {
		return nil, err
	}
	return service.Clone(), nil
}

// GetServiceExecution returns the execution's state, requester, and last
// transition timestamp. Unknown keys read as StateUninitialized.
func (e *Engine) GetServiceExecution(serviceNonce, executionNonce uint64) (ExecutionState, [20]byte, int64, error) {
	if e == nil || e.state == nil {
		return StateUninitialized, [20]byte{}, 0, errNilState
	}
	execution, ok, err := e.state.ExecutionGet(serviceNonce, executionNonce)
	if err != nil {
		return StateUninitialized, [20]byte{}, 0, err
	}
	if !ok || execution == nil {
		return StateUninitialized, [20]byte{}, 0, nil
	}
	return execution.State, execution.Requester, execution.LastUpdateTS, nil
}
