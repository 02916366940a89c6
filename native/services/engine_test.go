package services

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"noodles/native/access"
	"noodles/native/credits"
)

// ledgerState backs both the credits engine and the services engine so the
// tests exercise the real escrow path end to end.
type ledgerState struct {
	visibilities   map[string]*credits.Visibility
	creditBalances map[string]map[[20]byte]*big.Int
	native         map[[20]byte]*big.Int
	roles          map[string]map[[20]byte]bool
	servicesNonce  uint64
	services       map[uint64]*Service
	executions     map[string]*Execution
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		visibilities:   make(map[string]*credits.Visibility),
		creditBalances: make(map[string]map[[20]byte]*big.Int),
		native:         make(map[[20]byte]*big.Int),
		roles:          make(map[string]map[[20]byte]bool),
		services:       make(map[uint64]*Service),
		executions:     make(map[string]*Execution),
	}
}

func (m *ledgerState) VisibilityGet(id string) (*credits.Visibility, bool, error) {
	v, ok := m.visibilities[id]
	if !ok {
		return nil, false, nil
	}
	return v.Clone(), true, nil
}

func (m *ledgerState) VisibilityPut(v *credits.Visibility) error {
	m.visibilities[v.ID] = v.Clone()
	return nil
}

func (m *ledgerState) CreditBalanceGet(id string, addr [20]byte) (*big.Int, error) {
	balances, ok := m.creditBalances[id]
	if !ok {
		return nil, nil
	}
	balance, ok := balances[addr]
	if !ok {
		return nil, nil
	}
	return new(big.Int).Set(balance), nil
}

func (m *ledgerState) CreditBalancePut(id string, addr [20]byte, balance *big.Int) error {
	balances, ok := m.creditBalances[id]
	if !ok {
		balances = make(map[[20]byte]*big.Int)
		m.creditBalances[id] = balances
	}
	balances[addr] = new(big.Int).Set(balance)
	return nil
}

func (m *ledgerState) NativeBalanceGet(addr [20]byte) (*big.Int, error) {
	balance, ok := m.native[addr]
	if !ok {
		return nil, nil
	}
	return new(big.Int).Set(balance), nil
}

func (m *ledgerState) NativeBalancePut(addr [20]byte, balance *big.Int) error {
	m.native[addr] = new(big.Int).Set(balance)
	return nil
}

func (m *ledgerState) HasRole(role string, addr [20]byte) bool {
	return m.roles[role][addr]
}

func (m *ledgerState) grantRole(role string, addr [20]byte) {
	if m.roles[role] == nil {
		m.roles[role] = make(map[[20]byte]bool)
	}
	m.roles[role][addr] = true
}

func (m *ledgerState) ServicesNonceGet() (uint64, error) { return m.servicesNonce, nil }

func (m *ledgerState) ServicesNoncePut(nonce uint64) error {
	m.servicesNonce = nonce
	return nil
}

func (m *ledgerState) ServiceGet(nonce uint64) (*Service, bool, error) {
	service, ok := m.services[nonce]
	if !ok {
		return nil, false, nil
	}
	return service.Clone(), true, nil
}

func (m *ledgerState) ServicePut(service *Service) error {
	m.services[service.Nonce] = service.Clone()
	return nil
}

func executionMapKey(serviceNonce, executionNonce uint64) string {
	return fmt.Sprintf("%d/%d", serviceNonce, executionNonce)
}

func (m *ledgerState) ExecutionGet(serviceNonce, executionNonce uint64) (*Execution, bool, error) {
	execution, ok := m.executions[executionMapKey(serviceNonce, executionNonce)]
	if !ok {
		return nil, false, nil
	}
	return execution.Clone(), true, nil
}

func (m *ledgerState) ExecutionPut(execution *Execution) error {
	m.executions[executionMapKey(execution.ServiceNonce, execution.Nonce)] = execution.Clone()
	return nil
}

// seedCredits installs a balance directly, bumping supply so the conservation
// invariant keeps holding.
func (m *ledgerState) seedCredits(id string, addr [20]byte, amount int64) {
	v, ok := m.visibilities[id]
	if !ok {
		v = &credits.Visibility{ID: id, TotalSupply: big.NewInt(0), ClaimableFees: big.NewInt(0)}
	}
	v.TotalSupply = new(big.Int).Add(v.TotalSupply, big.NewInt(amount))
	m.visibilities[id] = v
	if m.creditBalances[id] == nil {
		m.creditBalances[id] = make(map[[20]byte]*big.Int)
	}
	existing := m.creditBalances[id][addr]
	if existing == nil {
		existing = big.NewInt(0)
	}
	m.creditBalances[id][addr] = new(big.Int).Add(existing, big.NewInt(amount))
}

func (m *ledgerState) creditsOf(id string, addr [20]byte) *big.Int {
	if balance, ok := m.creditBalances[id][addr]; ok {
		return new(big.Int).Set(balance)
	}
	return big.NewInt(0)
}

func addr(last byte) [20]byte {
	var out [20]byte
	out[19] = last
	return out
}

type fixture struct {
	state    *ledgerState
	credits  *credits.Engine
	engine   *Engine
	now      int64
	creator  [20]byte
	user     [20]byte
	resolver [20]byte
	escrow   [20]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	state := newLedgerState()
	creditsEngine, err := credits.NewEngine()
	if err != nil {
		t.Fatalf("credits engine construction failed: %v", err)
	}
	creditsEngine.SetState(state)
	creditsEngine.SetModuleAccount(addr(0xEE))
	creditsEngine.SetTreasury(addr(0xFE))

	f := &fixture{
		state:    state,
		credits:  creditsEngine,
		now:      1_000_000,
		creator:  addr(0x0C),
		user:     addr(0x01),
		resolver: addr(0x0D),
		escrow:   addr(0xE5),
	}
	engine := NewEngine(creditsEngine)
	engine.SetState(state)
	engine.SetEscrowAccount(f.escrow)
	engine.SetNowFunc(func() int64 { return f.now })
	f.engine = engine

	state.grantRole(access.RoleCreditsTransfer, f.escrow)
	state.grantRole(access.RoleDisputeResolver, f.resolver)
	state.grantRole(access.RoleCreatorsChecker, addr(0x0A))
	if err := creditsEngine.SetCreatorVisibility(addr(0x0A), "x-V", f.creator); err != nil {
		t.Fatalf("set creator failed: %v", err)
	}
	state.seedCredits("x-V", f.user, 50)
	return f
}

func (f *fixture) createService(t *testing.T, cost int64) *Service {
	t.Helper()
	service, err := f.engine.CreateService(f.creator, "x-post", "x-V", big.NewInt(cost))
	if err != nil {
		t.Fatalf("create service failed: %v", err)
	}
	return service
}

// checkEscrowNonLoss asserts the escrow account covers every open execution.
func (f *fixture) checkEscrowNonLoss(t *testing.T, service *Service) {
	t.Helper()
	open := int64(0)
	for _, execution := range f.state.executions {
		if execution.ServiceNonce != service.Nonce {
			continue
		}
		switch execution.State {
		case StateRequested, StateAccepted, StateDisputed:
			open++
		}
	}
	need := new(big.Int).Mul(big.NewInt(open), service.CreditsCost)
	if f.state.creditsOf("x-V", f.escrow).Cmp(need) < 0 {
		t.Fatalf("escrow underfunded: holds %s, needs %s", f.state.creditsOf("x-V", f.escrow), need)
	}
}

func TestServiceHappyPath(t *testing.T) {
	f := newFixture(t)
	service := f.createService(t, 10)
	if service.Nonce != 0 || !service.Enabled {
		t.Fatalf("unexpected service: %+v", service)
	}

	execution, err := f.engine.RequestServiceExecution(f.user, service.Nonce, "please post")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if execution.State != StateRequested {
		t.Fatalf("unexpected state %s", execution.State)
	}
	if got := f.state.creditsOf("x-V", f.escrow); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("escrow holds %s, want 10", got)
	}
	if got := f.state.creditsOf("x-V", f.user); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("requester holds %s, want 40", got)
	}
	f.checkEscrowNonLoss(t, service)

	if err := f.engine.AcceptServiceExecution(f.creator, service.Nonce, execution.Nonce, "done"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if err := f.engine.ValidateServiceExecution(f.user, service.Nonce, execution.Nonce); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if got := f.state.creditsOf("x-V", f.escrow); got.Sign() != 0 {
		t.Fatalf("escrow not drained: %s", got)
	}
	if got := f.state.creditsOf("x-V", f.creator); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("creator holds %s, want 10", got)
	}
	stateNow, requester, _, err := f.engine.GetServiceExecution(service.Nonce, execution.Nonce)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stateNow != StateValidated || requester != f.user {
		t.Fatalf("unexpected terminal read: %s %x", stateNow, requester)
	}
}

func TestAutoValidationAfterDelay(t *testing.T) {
	f := newFixture(t)
	service := f.createService(t, 10)
	execution, err := f.engine.RequestServiceExecution(f.user, service.Nonce, "r")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if err := f.engine.AcceptServiceExecution(f.creator, service.Nonce, execution.Nonce, "a"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	acceptedAt := f.now

	// A stranger cannot settle inside the window, not even at the boundary.
	stranger := addr(0x77)
	f.now = acceptedAt + AutoValidationDelay
	if err := f.engine.ValidateServiceExecution(stranger, service.Nonce, execution.Nonce); !errors.Is(err, ErrUnauthorizedExecutionAction) {
		t.Fatalf("expected unauthorized at boundary, got %v", err)
	}
	f.now = acceptedAt + AutoValidationDelay + 1
	if err := f.engine.ValidateServiceExecution(stranger, service.Nonce, execution.Nonce); err != nil {
		t.Fatalf("auto-validation failed: %v", err)
	}
	if got := f.state.creditsOf("x-V", f.creator); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("creator holds %s, want 10", got)
	}
}

func TestCancelRefundsRequester(t *testing.T) {
	f := newFixture(t)
	service := f.createService(t, 10)
	execution, err := f.engine.RequestServiceExecution(f.user, service.Nonce, "r")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if err := f.engine.CancelServiceExecution(f.user, service.Nonce, execution.Nonce, "changed my mind"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got := f.state.creditsOf("x-V", f.user); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("requester holds %s, want 50", got)
	}
	stateNow, _, _, _ := f.engine.GetServiceExecution(service.Nonce, execution.Nonce)
	if stateNow != StateRefunded {
		t.Fatalf("unexpected state %s", stateNow)
	}
	// Terminal: no further transitions.
	if err := f.engine.AcceptServiceExecution(f.creator, service.Nonce, execution.Nonce, "a"); !errors.Is(err, ErrInvalidExecutionState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestDisputeWithRefund(t *testing.T) {
	f := newFixture(t)
	service := f.createService(t, 10)
	execution, err := f.engine.RequestServiceExecution(f.user, service.Nonce, "r")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if err := f.engine.AcceptServiceExecution(f.creator, service.Nonce, execution.Nonce, "a"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if err := f.engine.DisputeServiceExecution(f.user, service.Nonce, execution.Nonce, "D"); err != nil {
		t.Fatalf("dispute failed: %v", err)
	}
	if err := f.engine.ResolveServiceExecution(f.resolver, service.Nonce, execution.Nonce, true, "refund granted"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got := f.state.creditsOf("x-V", f.user); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("requester holds %s, want 50", got)
	}
	if got := f.state.creditsOf("x-V", f.escrow); got.Sign() != 0 {
		t.Fatalf("escrow not drained: %s", got)
	}
	stateNow, _, _, _ := f.engine.GetServiceExecution(service.Nonce, execution.Nonce)
	if stateNow != StateRefunded {
		t.Fatalf("unexpected state %s", stateNow)
	}
}

func TestDisputeWithoutRefund(t *testing.T) {
	f := newFixture(t)
	service := f.createService(t, 10)
	execution, err := f.engine.RequestServiceExecution(f.user, service.Nonce, "r")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if err := f.engine.AcceptServiceExecution(f.creator, service.Nonce, execution.Nonce, "a"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if err := f.engine.DisputeServiceExecution(f.user, service.Nonce, execution.Nonce, "D"); err != nil {
		t.Fatalf("dispute failed: %v", err)
	}
	if err := f.engine.ResolveServiceExecution(f.resolver, service.Nonce, execution.Nonce, false, "work stands"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got := f.state.creditsOf("x-V", f.user); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("requester holds %s, want 40", got)
	}
	if got := f.state.creditsOf("x-V", f.creator); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("creator holds %s, want 10", got)
	}
	stateNow, _, _, _ := f.engine.GetServiceExecution(service.Nonce, execution.Nonce)
	if stateNow != StateValidated {
		t.Fatalf("unexpected state %s", stateNow)
	}
}

func TestDisabledServiceRejectsRequest(t *testing.T) {
	f := newFixture(t)
	service := f.createService(t, 10)
	if err := f.engine.UpdateService(f.creator, service.Nonce, false); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := f.engine.RequestServiceExecution(f.user, service.Nonce, "r"); !errors.Is(err, ErrDisabledService) {
		t.Fatalf("expected disabled service, got %v", err)
	}
	if got := f.state.creditsOf("x-V", f.user); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("credits moved on failed request: %s", got)
	}
}

func TestRequestWithoutCreditsFails(t *testing.T) {
	f := newFixture(t)
	service := f.createService(t, 10)
	pauper := addr(0x33)
	if _, err := f.engine.RequestServiceExecution(pauper, service.Nonce, "r"); !errors.Is(err, credits.ErrNotEnoughCreditsOwned) {
		t.Fatalf("expected credits shortfall, got %v", err)
	}
}

func TestTransitionAuthorization(t *testing.T) {
	f := newFixture(t)
	service := f.createService(t, 10)
	execution, err := f.engine.RequestServiceExecution(f.user, service.Nonce, "r")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	stranger := addr(0x77)
	if err := f.engine.AcceptServiceExecution(stranger, service.Nonce, execution.Nonce, "a"); !errors.Is(err, ErrUnauthorizedExecutionAction) {
		t.Fatalf("stranger accept should fail, got %v", err)
	}
	if err := f.engine.CancelServiceExecution(stranger, service.Nonce, execution.Nonce, "c"); !errors.Is(err, ErrUnauthorizedExecutionAction) {
		t.Fatalf("stranger cancel should fail, got %v", err)
	}
	if err := f.engine.AcceptServiceExecution(f.creator, service.Nonce, execution.Nonce, "a"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if err := f.engine.DisputeServiceExecution(f.creator, service.Nonce, execution.Nonce, "d"); !errors.Is(err, ErrUnauthorizedExecutionAction) {
		t.Fatalf("creator dispute should fail, got %v", err)
	}
	if err := f.engine.DisputeServiceExecution(f.user, service.Nonce, execution.Nonce, "d"); err != nil {
		t.Fatalf("dispute failed: %v", err)
	}
	if err := f.engine.ResolveServiceExecution(f.user, service.Nonce, execution.Nonce, true, "x"); !errors.Is(err, ErrUnauthorizedExecutionAction) {
		t.Fatalf("non-resolver resolve should fail, got %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	service := f.createService(t, 10)
	execution, err := f.engine.RequestServiceExecution(f.user, service.Nonce, "r")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	// REQUESTED accepts no validate, dispute, or resolve.
	if err := f.engine.ValidateServiceExecution(f.user, service.Nonce, execution.Nonce); !errors.Is(err, ErrInvalidExecutionState) {
		t.Fatalf("validate from REQUESTED should fail, got %v", err)
	}
	if err := f.engine.DisputeServiceExecution(f.user, service.Nonce, execution.Nonce, "d"); !errors.Is(err, ErrInvalidExecutionState) {
		t.Fatalf("dispute from REQUESTED should fail, got %v", err)
	}
	if err := f.engine.ResolveServiceExecution(f.resolver, service.Nonce, execution.Nonce, true, "x"); !errors.Is(err, ErrInvalidExecutionState) {
		t.Fatalf("resolve from REQUESTED should fail, got %v", err)
	}
	// Unknown executions read as uninitialized and reject everything.
	if err := f.engine.AcceptServiceExecution(f.creator, service.Nonce, 99, "a"); !errors.Is(err, ErrInvalidExecutionState) {
		t.Fatalf("accept of unknown execution should fail, got %v", err)
	}
	stateNow, _, _, err := f.engine.GetServiceExecution(service.Nonce, 99)
	if err != nil || stateNow != StateUninitialized {
		t.Fatalf("unknown execution read as %s (%v)", stateNow, err)
	}
	// Settle and confirm the terminal leaf is sticky.
	if err := f.engine.AcceptServiceExecution(f.creator, service.Nonce, execution.Nonce, "a"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if err := f.engine.ValidateServiceExecution(f.user, service.Nonce, execution.Nonce); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if err := f.engine.ValidateServiceExecution(f.user, service.Nonce, execution.Nonce); !errors.Is(err, ErrInvalidExecutionState) {
		t.Fatalf("second validate should fail, got %v", err)
	}
}

func TestCreatorLookupIsLive(t *testing.T) {
	f := newFixture(t)
	service := f.createService(t, 10)
	execution, err := f.engine.RequestServiceExecution(f.user, service.Nonce, "r")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	// Re-link the visibility to a new creator between request and accept.
	newCreator := addr(0x0F)
	if err := f.credits.SetCreatorVisibility(addr(0x0A), "x-V", newCreator); err != nil {
		t.Fatalf("relink failed: %v", err)
	}
	if err := f.engine.AcceptServiceExecution(f.creator, service.Nonce, execution.Nonce, "a"); !errors.Is(err, ErrUnauthorizedExecutionAction) {
		t.Fatalf("old creator should be rejected, got %v", err)
	}
	if err := f.engine.AcceptServiceExecution(newCreator, service.Nonce, execution.Nonce, "a"); err != nil {
		t.Fatalf("new creator accept failed: %v", err)
	}
	if err := f.engine.ValidateServiceExecution(f.user, service.Nonce, execution.Nonce); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if got := f.state.creditsOf("x-V", newCreator); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("settlement went to %s credits for new creator, want 10", got)
	}
}

func TestServiceManagementGating(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.CreateService(f.user, "x-post", "x-V", big.NewInt(10)); !errors.Is(err, ErrInvalidCreator) {
		t.Fatalf("non-creator create should fail, got %v", err)
	}
	if _, err := f.engine.CreateService(f.creator, "x-post", "x-missing", big.NewInt(10)); !errors.Is(err, ErrInvalidCreator) {
		t.Fatalf("create on creatorless visibility should fail, got %v", err)
	}
	service := f.createService(t, 10)
	if err := f.engine.UpdateService(f.user, service.Nonce, false); !errors.Is(err, ErrInvalidCreator) {
		t.Fatalf("non-creator update should fail, got %v", err)
	}
	if err := f.engine.UpdateService(f.creator, 99, false); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("unknown service update should fail, got %v", err)
	}
	// Nonces allocate monotonically.
	second := f.createService(t, 5)
	if second.Nonce != service.Nonce+1 {
		t.Fatalf("nonce not monotonic: %d then %d", service.Nonce, second.Nonce)
	}
}

func TestExecutionNoncesAllocatePerService(t *testing.T) {
	f := newFixture(t)
	service := f.createService(t, 10)
	first, err := f.engine.RequestServiceExecution(f.user, service.Nonce, "one")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	second, err := f.engine.RequestServiceExecution(f.user, service.Nonce, "two")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if first.Nonce != 0 || second.Nonce != 1 {
		t.Fatalf("execution nonces %d,%d, want 0,1", first.Nonce, second.Nonce)
	}
	f.checkEscrowNonLoss(t, service)
}
