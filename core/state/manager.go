package state

import (
	"encoding/binary"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"noodles/native/access"
	"noodles/native/credits"
	"noodles/native/services"
	"noodles/storage"
)

var errFlushFailed = errors.New("state: atomic flush failed")

var (
	visibilityPrefix    = []byte("credits/visibility/")
	creditBalancePrefix = []byte("credits/balance/")
	nativeBalancePrefix = []byte("bank/native/")
	servicesNonceKey    = []byte("services/nonce")
	servicePrefix       = []byte("services/service/")
	executionPrefix     = []byte("services/execution/")
	rolePrefix          = []byte("access/role/")
	adminTransferKey    = []byte("access/admin/transfer")
	adminDelayKey       = []byte("access/admin/delay")
)

// Manager persists engine state as RLP records over a key-value database and
// implements the state interfaces of the credits, services, and access
// components. Mutating operations run through RunAtomic, which buffers writes
// and flushes them only when the wrapped operation succeeds; concurrent
// top-level operations serialize on the manager's lock.
type Manager struct {
	db      storage.Database
	mu      sync.Mutex
	pending map[string]pendingWrite
}

type pendingWrite struct {
	value  []byte
	delete bool
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// RunAtomic executes fn with buffered writes. On success the buffer flushes
// to the database in one pass; on failure every buffered write is discarded
// so the operation leaves no partial state.
func (m *Manager) RunAtomic(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[string]pendingWrite)
	defer func() { m.pending = nil }()
	if err := fn(); err != nil {
		return err
	}
	for key, write := range m.pending {
		if write.delete {
			if err := m.db.Delete([]byte(key)); err != nil {
				return errors.Join(errFlushFailed, err)
			}
			continue
		}
		if err := m.db.Put([]byte(key), write.value); err != nil {
			return errors.Join(errFlushFailed, err)
		}
	}
	return nil
}

func (m *Manager) read(key []byte) ([]byte, bool, error) {
	if m.pending != nil {
		if write, ok := m.pending[string(key)]; ok {
			if write.delete {
				return nil, false, nil
			}
			return write.value, true, nil
		}
	}
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) write(key []byte, value []byte) error {
	if m.pending != nil {
		m.pending[string(key)] = pendingWrite{value: value}
		return nil
	}
	return m.db.Put(key, value)
}

func (m *Manager) remove(key []byte) error {
	if m.pending != nil {
		m.pending[string(key)] = pendingWrite{delete: true}
		return nil
	}
	return m.db.Delete(key)
}

func appendUint64(key []byte, n uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return append(key, buf[:]...)
}

func visibilityKey(id string) []byte {
	hash := credits.VisibilityKey(id)
	return append(append([]byte(nil), visibilityPrefix...), hash[:]...)
}

func creditBalanceKey(id string, addr [20]byte) []byte {
	hash := credits.VisibilityKey(id)
	key := append(append([]byte(nil), creditBalancePrefix...), hash[:]...)
	return append(key, addr[:]...)
}

func nativeBalanceKey(addr [20]byte) []byte {
	return append(append([]byte(nil), nativeBalancePrefix...), addr[:]...)
}

func serviceKey(nonce uint64) []byte {
	return appendUint64(append([]byte(nil), servicePrefix...), nonce)
}

func executionKey(serviceNonce, executionNonce uint64) []byte {
	key := appendUint64(append([]byte(nil), executionPrefix...), serviceNonce)
	return appendUint64(key, executionNonce)
}

func roleKey(role string) []byte {
	return append(append([]byte(nil), rolePrefix...), []byte(role)...)
}

func ensureBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// --- credits engine state ---

type storedVisibility struct {
	ID            string
	Creator       [20]byte
	HasCreator    bool
	TotalSupply   *big.Int
	ClaimableFees *big.Int
}

// VisibilityGet loads the visibility record keyed by the id's digest.
func (m *Manager) VisibilityGet(id string) (*credits.Visibility, bool, error) {
	data, ok, err := m.read(visibilityKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedVisibility
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	return &credits.Visibility{
		ID:            stored.ID,
		Creator:       stored.Creator,
		HasCreator:    stored.HasCreator,
		TotalSupply:   stored.TotalSupply,
		ClaimableFees: stored.ClaimableFees,
	}, true, nil
}

// VisibilityPut stores the visibility record.
func (m *Manager) VisibilityPut(v *credits.Visibility) error {
	stored := storedVisibility{
		ID:            v.ID,
		Creator:       v.Creator,
		HasCreator:    v.HasCreator,
		TotalSupply:   ensureBigInt(v.TotalSupply),
		ClaimableFees: ensureBigInt(v.ClaimableFees),
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return m.write(visibilityKey(v.ID), encoded)
}

// CreditBalanceGet loads an account's credit balance for the visibility.
func (m *Manager) CreditBalanceGet(id string, addr [20]byte) (*big.Int, error) {
	data, ok, err := m.read(creditBalanceKey(id, addr))
	if err != nil || !ok {
		return nil, err
	}
	return new(big.Int).SetBytes(data), nil
}

// CreditBalancePut stores an account's credit balance for the visibility.
func (m *Manager) CreditBalancePut(id string, addr [20]byte, balance *big.Int) error {
	return m.write(creditBalanceKey(id, addr), ensureBigInt(balance).Bytes())
}

// NativeBalanceGet loads an account's native-currency balance.
func (m *Manager) NativeBalanceGet(addr [20]byte) (*big.Int, error) {
	data, ok, err := m.read(nativeBalanceKey(addr))
	if err != nil || !ok {
		return nil, err
	}
	return new(big.Int).SetBytes(data), nil
}

// NativeBalancePut stores an account's native-currency balance.
func (m *Manager) NativeBalancePut(addr [20]byte, balance *big.Int) error {
	return m.write(nativeBalanceKey(addr), ensureBigInt(balance).Bytes())
}

// --- services engine state ---

type storedService struct {
	Nonce           uint64
	Enabled         bool
	ServiceType     string
	VisibilityID    string
	CreditsCost     *big.Int
	ExecutionsNonce uint64
}

type storedExecution struct {
	ServiceNonce  uint64
	Nonce         uint64
	State         uint8
	Requester     [20]byte
	RequestDigest [32]byte
	LastUpdateTS  uint64
}

// ServicesNonceGet returns the next unallocated service nonce.
func (m *Manager) ServicesNonceGet() (uint64, error) {
	data, ok, err := m.read(servicesNonceKey)
	if err != nil || !ok {
		return 0, err
	}
	if len(data) != 8 {
		return 0, errors.New("state: malformed services nonce")
	}
	return binary.BigEndian.Uint64(data), nil
}

// ServicesNoncePut stores the next unallocated service nonce.
func (m *Manager) ServicesNoncePut(nonce uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return m.write(servicesNonceKey, buf[:])
}

// ServiceGet loads the service record for the nonce.
func (m *Manager) ServiceGet(nonce uint64) (*services.Service, bool, error) {
	data, ok, err := m.read(serviceKey(nonce))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedService
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	return &services.Service{
		Nonce:           stored.Nonce,
		Enabled:         stored.Enabled,
		ServiceType:     stored.ServiceType,
		VisibilityID:    stored.VisibilityID,
		CreditsCost:     stored.CreditsCost,
		ExecutionsNonce: stored.ExecutionsNonce,
	}, true, nil
}

// ServicePut stores the service record.
func (m *Manager) ServicePut(service *services.Service) error {
	stored := storedService{
		Nonce:           service.Nonce,
		Enabled:         service.Enabled,
		ServiceType:     service.ServiceType,
		VisibilityID:    service.VisibilityID,
		CreditsCost:     ensureBigInt(service.CreditsCost),
		ExecutionsNonce: service.ExecutionsNonce,
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return m.write(serviceKey(service.Nonce), encoded)
}

// ExecutionGet loads the execution record for the (service, execution) key.
func (m *Manager) ExecutionGet(serviceNonce, executionNonce uint64) (*services.Execution, bool, error) {
	data, ok, err := m.read(executionKey(serviceNonce, executionNonce))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedExecution
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	return &services.Execution{
		ServiceNonce:  stored.ServiceNonce,
		Nonce:         stored.Nonce,
		State:         services.ExecutionState(stored.State),
		Requester:     stored.Requester,
		RequestDigest: stored.RequestDigest,
		LastUpdateTS:  int64(stored.LastUpdateTS),
	}, true, nil
}

// ExecutionPut stores the execution record.
func (m *Manager) ExecutionPut(execution *services.Execution) error {
	stored := storedExecution{
		ServiceNonce:  execution.ServiceNonce,
		Nonce:         execution.Nonce,
		State:         uint8(execution.State),
		Requester:     execution.Requester,
		RequestDigest: execution.RequestDigest,
		LastUpdateTS:  uint64(execution.LastUpdateTS),
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return m.write(executionKey(execution.ServiceNonce, execution.Nonce), encoded)
}

// --- access registry state ---

type storedAdminTransfer struct {
	NewAdmin       [20]byte
	AcceptSchedule uint64
}

type storedAdminDelay struct {
	Current        uint64
	PendingDelay   uint64
	EffectSchedule uint64
	HasPending     bool
}

// RoleMembersGet returns the addresses holding the role.
func (m *Manager) RoleMembersGet(role string) ([][20]byte, error) {
	data, ok, err := m.read(roleKey(role))
	if err != nil || !ok {
		return nil, err
	}
	var raw [][]byte
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, err
	}
	members := make([][20]byte, 0, len(raw))
	for _, entry := range raw {
		var addr [20]byte
		copy(addr[:], entry)
		members = append(members, addr)
	}
	return members, nil
}

// RoleMembersPut stores the addresses holding the role.
func (m *Manager) RoleMembersPut(role string, members [][20]byte) error {
	raw := make([][]byte, 0, len(members))
	for _, member := range members {
		raw = append(raw, append([]byte(nil), member[:]...))
	}
	encoded, err := rlp.EncodeToBytes(raw)
	if err != nil {
		return err
	}
	return m.write(roleKey(role), encoded)
}

// HasRole reports whether the address holds the role. Read errors resolve to
// false, matching the best-effort semantics the role gates require.
func (m *Manager) HasRole(role string, addr [20]byte) bool {
	members, err := m.RoleMembersGet(role)
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

// AdminTransferGet loads the scheduled admin handover, if any.
func (m *Manager) AdminTransferGet() (*access.AdminTransfer, bool, error) {
	data, ok, err := m.read(adminTransferKey)
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedAdminTransfer
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	return &access.AdminTransfer{
		NewAdmin:       stored.NewAdmin,
		AcceptSchedule: int64(stored.AcceptSchedule),
	}, true, nil
}

// AdminTransferPut stores the scheduled admin handover.
func (m *Manager) AdminTransferPut(transfer *access.AdminTransfer) error {
	stored := storedAdminTransfer{
		NewAdmin:       transfer.NewAdmin,
		AcceptSchedule: uint64(transfer.AcceptSchedule),
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return m.write(adminTransferKey, encoded)
}

// AdminTransferDelete drops the scheduled admin handover.
func (m *Manager) AdminTransferDelete() error {
	return m.remove(adminTransferKey)
}

// AdminDelayGet loads the handover delay record, if any.
func (m *Manager) AdminDelayGet() (*access.AdminDelay, bool, error) {
	data, ok, err := m.read(adminDelayKey)
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedAdminDelay
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	return &access.AdminDelay{
		Current:        int64(stored.Current),
		PendingDelay:   int64(stored.PendingDelay),
		EffectSchedule: int64(stored.EffectSchedule),
		HasPending:     stored.HasPending,
	}, true, nil
}

// AdminDelayPut stores the handover delay record.
func (m *Manager) AdminDelayPut(delay *access.AdminDelay) error {
	stored := storedAdminDelay{
		Current:        uint64(delay.Current),
		PendingDelay:   uint64(delay.PendingDelay),
		EffectSchedule: uint64(delay.EffectSchedule),
		HasPending:     delay.HasPending,
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return m.write(adminDelayKey, encoded)
}
