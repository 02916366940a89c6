package credits

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"noodles/core/events"
	"noodles/core/types"
	"noodles/native/access"
)

var (
	// ErrInvalidAddress is returned when the zero address is supplied where a
	// real account is required.
	ErrInvalidAddress = errors.New("credits engine: invalid address")
	// ErrInvalidCreator is returned when no creator is linked to the
	// visibility being claimed.
	ErrInvalidCreator = errors.New("credits engine: invalid creator")
	// ErrInvalidAmount is returned for zero amounts, supply-cap breaches,
	// over-supply sells, and empty fee claims.
	ErrInvalidAmount = errors.New("credits engine: invalid amount")
	// ErrInvalidFeeParams is returned when the fee constants cannot be
	// decomposed safely.
	ErrInvalidFeeParams = errors.New("credits engine: invalid fee params")
	// ErrNotEnoughEthSent is returned when a buyer underpays the total cost.
	ErrNotEnoughEthSent = errors.New("credits engine: not enough value sent")
	// ErrNotEnoughCreditsOwned is returned when a seller or transfer source
	// is under-funded.
	ErrNotEnoughCreditsOwned = errors.New("credits engine: not enough credits owned")
	// ErrUnauthorized is returned when the caller lacks the required role.
	ErrUnauthorized = errors.New("credits engine: unauthorized")

	errNilState            = errors.New("credits engine: state not configured")
	errVisibilityRequired  = errors.New("credits engine: visibility id required")
	errTreasuryNotSet      = errors.New("credits engine: treasury not configured")
	errModuleNotSet        = errors.New("credits engine: module account not configured")
	errSupplyOutOfRange    = errors.New("credits engine: stored supply out of range")
	errReserveUnderfunded  = errors.New("credits engine: reserve underfunded")
)

type engineState interface {
	VisibilityGet(id string) (*Visibility, bool, error)
	VisibilityPut(v *Visibility) error
	CreditBalanceGet(id string, addr [20]byte) (*big.Int, error)
	CreditBalancePut(id string, addr [20]byte, balance *big.Int) error
	NativeBalanceGet(addr [20]byte) (*big.Int, error)
	NativeBalancePut(addr [20]byte, balance *big.Int) error
	HasRole(role string, addr [20]byte) bool
}

// Engine mints, burns, and moves per-visibility credits against the bonding
// curve, and tracks the native-currency fee flows. It is the leaf component:
// the services engine settles through it but it depends on nothing beyond its
// state backend.
type Engine struct {
	state         engineState
	emitter       events.Emitter
	moduleAccount [20]byte
	treasury      [20]byte
}

// NewEngine constructs a credits engine with default dependencies. It fails
// when the compiled-in fee constants are inconsistent.
func NewEngine() (*Engine, error) {
	if err := validateFeeParams(); err != nil {
		return nil, err
	}
	return &Engine{emitter: events.NoopEmitter{}}, nil
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

// SetModuleAccount configures the account holding the curve reserve and the
// accrued creator fees.
func (e *Engine) SetModuleAccount(addr [20]byte) { e.moduleAccount = addr }

// SetTreasury configures the protocol fee recipient at wiring time. Runtime
// replacements go through UpdateTreasury so the role gate applies.
func (e *Engine) SetTreasury(addr [20]byte) { e.treasury = addr }

// Treasury returns the current protocol fee recipient.
func (e *Engine) Treasury() [20]byte { return e.treasury }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

func isZeroAddress(addr [20]byte) bool {
	var zero [20]byte
	return addr == zero
}

// VisibilityKey returns the domain hash external consumers index
// visibilities by: the Keccak-256 digest of the raw UTF-8 id bytes.
func VisibilityKey(id string) [32]byte {
	return [32]byte(ethcrypto.Keccak256Hash([]byte(id)))
}

func sanitizeVisibilityID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" || !utf8.ValidString(trimmed) {
		return "", errVisibilityRequired
	}
	return trimmed, nil
}

func newBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadVisibility(id string) (*Visibility, error) {
	v, ok, err := e.state.VisibilityGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || v == nil {
		v = &Visibility{ID: id, TotalSupply: big.NewInt(0), ClaimableFees: big.NewInt(0)}
	}
	if v.TotalSupply == nil {
		v.TotalSupply = big.NewInt(0)
	}
	if v.ClaimableFees == nil {
		v.ClaimableFees = big.NewInt(0)
	}
	return v, nil
}

func supplyUint64(v *Visibility) (uint64, error) {
	if !v.TotalSupply.IsUint64() {
		return 0, errSupplyOutOfRange
	}
	return v.TotalSupply.Uint64(), nil
}

func (e *Engine) creditBalance(id string, addr [20]byte) (*big.Int, error) {
	balance, err := e.state.CreditBalanceGet(id, addr)
	if err != nil {
		return nil, err
	}
	return newBigInt(balance), nil
}

func (e *Engine) nativeBalance(addr [20]byte) (*big.Int, error) {
	balance, err := e.state.NativeBalanceGet(addr)
	if err != nil {
		return nil, err
	}
	return newBigInt(balance), nil
}

func (e *Engine) moveNative(from, to [20]byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	fromBal, err := e.nativeBalance(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return errReserveUnderfunded
	}
	if err := e.state.NativeBalancePut(from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	toBal, err := e.nativeBalance(to)
	if err != nil {
		return err
	}
	return e.state.NativeBalancePut(to, new(big.Int).Add(toBal, amount))
}

// BuyCredits mints amount credits of the visibility for the caller against
// value attached native currency. The excess over the exact total stays with
// the caller; the receipt reports it as the refund.
func (e *Engine) BuyCredits(caller [20]byte, visibilityID string, amount uint64, referrer [20]byte, value *big.Int) (*TradeReceipt, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if isZeroAddress(e.moduleAccount) {
		return nil, errModuleNotSet
	}
	if isZeroAddress(caller) {
		return nil, ErrInvalidAddress
	}
	id, err := sanitizeVisibilityID(visibilityID)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	v, err := e.loadVisibility(id)
	if err != nil {
		return nil, err
	}
	supply, err := supplyUint64(v)
	if err != nil {
		return nil, err
	}
	if amount > MaxTotalSupply-supply {
		return nil, ErrInvalidAmount
	}
	hasReferrer := !isZeroAddress(referrer)
	cost := tradeCost(supply, amount)
	creatorFee, protocolFee, referrerFee := splitFees(cost, hasReferrer)
	if protocolFee.Sign() > 0 && isZeroAddress(e.treasury) {
		return nil, errTreasuryNotSet
	}
	total := new(uint256.Int).Add(cost, creatorFee)
	total.Add(total, protocolFee)
	total.Add(total, referrerFee)
	totalBig := total.ToBig()
	attached := newBigInt(value)
	if attached.Cmp(totalBig) < 0 {
		return nil, ErrNotEnoughEthSent
	}
	callerNative, err := e.nativeBalance(caller)
	if err != nil {
		return nil, err
	}
	if callerNative.Cmp(totalBig) < 0 {
		return nil, ErrNotEnoughEthSent
	}

	newSupply := supply + amount
	v.TotalSupply = new(big.Int).SetUint64(newSupply)
	v.ClaimableFees = new(big.Int).Add(v.ClaimableFees, creatorFee.ToBig())
	if err := e.state.VisibilityPut(v); err != nil {
		return nil, err
	}
	callerCredits, err := e.creditBalance(id, caller)
	if err != nil {
		return nil, err
	}
	callerCredits.Add(callerCredits, new(big.Int).SetUint64(amount))
	if err := e.state.CreditBalancePut(id, caller, callerCredits); err != nil {
		return nil, err
	}

	// State is settled; disburse. The module account keeps the trade cost
	// plus the accrued creator fee.
	retained := new(uint256.Int).Add(cost, creatorFee)
	if err := e.moveNative(caller, e.moduleAccount, retained.ToBig()); err != nil {
		return nil, err
	}
	if err := e.moveNative(caller, e.treasury, protocolFee.ToBig()); err != nil {
		return nil, err
	}
	if referrerFee.Sign() > 0 {
		if err := e.moveNative(caller, referrer, referrerFee.ToBig()); err != nil {
			return nil, err
		}
	}

	receipt := &TradeReceipt{
		VisibilityID:    id,
		From:            caller,
		Amount:          new(big.Int).SetUint64(amount),
		IsBuy:           true,
		TradeCost:       cost.ToBig(),
		CreatorFee:      creatorFee.ToBig(),
		ProtocolFee:     protocolFee.ToBig(),
		ReferrerFee:     referrerFee.ToBig(),
		Referrer:        referrer,
		Refund:          new(big.Int).Sub(attached, totalBig),
		NewTotalSupply:  new(big.Int).SetUint64(newSupply),
		NewCurrentPrice: unitPrice(newSupply).ToBig(),
	}
	e.emit(CreditsTradeEvent(receipt))
	return receipt, nil
}

// SellCredits burns amount credits of the visibility from the caller and
// reimburses the curve price minus fees.
func (e *Engine) SellCredits(caller [20]byte, visibilityID string, amount uint64, referrer [20]byte) (*TradeReceipt, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if isZeroAddress(e.moduleAccount) {
		return nil, errModuleNotSet
	}
	if isZeroAddress(caller) {
		return nil, ErrInvalidAddress
	}
	id, err := sanitizeVisibilityID(visibilityID)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	v, err := e.loadVisibility(id)
	if err != nil {
		return nil, err
	}
	supply, err := supplyUint64(v)
	if err != nil {
		return nil, err
	}
	if amount > supply {
		return nil, ErrInvalidAmount
	}
	callerCredits, err := e.creditBalance(id, caller)
	if err != nil {
		return nil, err
	}
	amountBig := new(big.Int).SetUint64(amount)
	if callerCredits.Cmp(amountBig) < 0 {
		return nil, ErrNotEnoughCreditsOwned
	}
	hasReferrer := !isZeroAddress(referrer)
	cost := tradeCost(supply-amount, amount)
	creatorFee, protocolFee, referrerFee := splitFees(cost, hasReferrer)
	if protocolFee.Sign() > 0 && isZeroAddress(e.treasury) {
		return nil, errTreasuryNotSet
	}
	reimbursement := new(uint256.Int).Sub(cost, creatorFee)
	reimbursement.Sub(reimbursement, protocolFee)
	reimbursement.Sub(reimbursement, referrerFee)

	newSupply := supply - amount
	v.TotalSupply = new(big.Int).SetUint64(newSupply)
	v.ClaimableFees = new(big.Int).Add(v.ClaimableFees, creatorFee.ToBig())
	if err := e.state.VisibilityPut(v); err != nil {
		return nil, err
	}
	callerCredits.Sub(callerCredits, amountBig)
	if err := e.state.CreditBalancePut(id, caller, callerCredits); err != nil {
		return nil, err
	}

	// The module releases everything but the creator fee, which stays
	// claimable inside the reserve account.
	if err := e.moveNative(e.moduleAccount, caller, reimbursement.ToBig()); err != nil {
		return nil, err
	}
	if err := e.moveNative(e.moduleAccount, e.treasury, protocolFee.ToBig()); err != nil {
		return nil, err
	}
	if referrerFee.Sign() > 0 {
		if err := e.moveNative(e.moduleAccount, referrer, referrerFee.ToBig()); err != nil {
			return nil, err
		}
	}

	receipt := &TradeReceipt{
		VisibilityID:    id,
		From:            caller,
		Amount:          amountBig,
		IsBuy:           false,
		TradeCost:       cost.ToBig(),
		CreatorFee:      creatorFee.ToBig(),
		ProtocolFee:     protocolFee.ToBig(),
		ReferrerFee:     referrerFee.ToBig(),
		Referrer:        referrer,
		Refund:          big.NewInt(0),
		NewTotalSupply:  new(big.Int).SetUint64(newSupply),
		NewCurrentPrice: unitPrice(newSupply).ToBig(),
	}
	e.emit(CreditsTradeEvent(receipt))
	return receipt, nil
}

// ClaimCreatorFee pays the visibility's accrued creator fees to the linked
// creator. Anyone may trigger the claim; the recipient is always the recorded
// creator.
func (e *Engine) ClaimCreatorFee(caller [20]byte, visibilityID string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if isZeroAddress(e.moduleAccount) {
		return nil, errModuleNotSet
	}
	id, err := sanitizeVisibilityID(visibilityID)
	if err != nil {
		return nil, err
	}
	v, err := e.loadVisibility(id)
	if err != nil {
		return nil, err
	}
	if !v.HasCreator || isZeroAddress(v.Creator) {
		return nil, ErrInvalidCreator
	}
	claimable := newBigInt(v.ClaimableFees)
	if claimable.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	v.ClaimableFees = big.NewInt(0)
	if err := e.state.VisibilityPut(v); err != nil {
		return nil, err
	}
	if err := e.moveNative(e.moduleAccount, v.Creator, claimable); err != nil {
		return nil, err
	}
	e.emit(CreatorFeeClaimedEvent(v.Creator, claimable.String()))
	return claimable, nil
}

// SetCreatorVisibility links a creator account to the visibility. The zero
// address clears the link. Caller must hold CREATORS_CHECKER_ROLE.
func (e *Engine) SetCreatorVisibility(caller [20]byte, visibilityID string, creator [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.state.HasRole(access.RoleCreatorsChecker, caller) {
		return ErrUnauthorized
	}
	id, err := sanitizeVisibilityID(visibilityID)
	if err != nil {
		return err
	}
	v, err := e.loadVisibility(id)
	if err != nil {
		return err
	}
	v.Creator = creator
	v.HasCreator = !isZeroAddress(creator)
	if err := e.state.VisibilityPut(v); err != nil {
		return err
	}
	e.emit(CreatorVisibilitySetEvent(id, creator))
	return nil
}

// TransferCredits moves credits between accounts without touching supply or
// fees. Caller must hold CREDITS_TRANSFER_ROLE; the services engine settles
// escrow through this primitive.
func (e *Engine) TransferCredits(caller [20]byte, visibilityID string, from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.state.HasRole(access.RoleCreditsTransfer, caller) {
		return ErrUnauthorized
	}
	if isZeroAddress(from) || isZeroAddress(to) {
		return ErrInvalidAddress
	}
	id, err := sanitizeVisibilityID(visibilityID)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromBalance, err := e.creditBalance(id, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrNotEnoughCreditsOwned
	}
	fromBalance.Sub(fromBalance, amount)
	if err := e.state.CreditBalancePut(id, from, fromBalance); err != nil {
		return err
	}
	toBalance, err := e.creditBalance(id, to)
	if err != nil {
		return err
	}
	toBalance.Add(toBalance, amount)
	if err := e.state.CreditBalancePut(id, to, toBalance); err != nil {
		return err
	}
	e.emit(CreditsTransferEvent(id, from, to, amount.String()))
	return nil
}

// UpdateTreasury replaces the protocol fee recipient. Admin only; the zero
// address is rejected so fees can never burn.
func (e *Engine) UpdateTreasury(caller [20]byte, addr [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.state.HasRole(access.RoleDefaultAdmin, caller) {
		return ErrUnauthorized
	}
	if isZeroAddress(addr) {
		return ErrInvalidAddress
	}
	e.treasury = addr
	return nil
}

func (e *Engine) quote(visibilityID string, amount uint64, hasReferrer bool, isBuy bool) (*Quote, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	id, err := sanitizeVisibilityID(visibilityID)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	v, err := e.loadVisibility(id)
	if err != nil {
		return nil, err
	}
	supply, err := supplyUint64(v)
	if err != nil {
		return nil, err
	}
	var cost *uint256.Int
	if isBuy {
		if amount > MaxTotalSupply-supply {
			return nil, ErrInvalidAmount
		}
		cost = tradeCost(supply, amount)
	} else {
		if amount > supply {
			return nil, ErrInvalidAmount
		}
		cost = tradeCost(supply-amount, amount)
	}
	creatorFee, protocolFee, referrerFee := splitFees(cost, hasReferrer)
	total := new(uint256.Int)
	if isBuy {
		total.Add(cost, creatorFee)
		total.Add(total, protocolFee)
		total.Add(total, referrerFee)
	} else {
		total.Sub(cost, creatorFee)
		total.Sub(total, protocolFee)
		total.Sub(total, referrerFee)
	}
	return &Quote{
		TradeCost:   cost.ToBig(),
		CreatorFee:  creatorFee.ToBig(),
		ProtocolFee: protocolFee.ToBig(),
		ReferrerFee: referrerFee.ToBig(),
		Total:       total.ToBig(),
	}, nil
}

// BuyCostWithFees quotes the exact attachment a buy of amount credits
// requires at the current supply.
func (e *Engine) BuyCostWithFees(visibilityID string, amount uint64, hasReferrer bool) (*Quote, error) {
	return e.quote(visibilityID, amount, hasReferrer, true)
}

// SellCostWithFees quotes the reimbursement a sell of amount credits yields
// at the current supply.
func (e *Engine) SellCostWithFees(visibilityID string, amount uint64, hasReferrer bool) (*Quote, error) {
	return e.quote(visibilityID, amount, hasReferrer, false)
}

// GetVisibility returns a copy of the visibility record, or a zero-valued
// record when none has been written yet.
func (e *Engine) GetVisibility(visibilityID string) (*Visibility, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	id, err := sanitizeVisibilityID(visibilityID)
	if err != nil {
		return nil, err
	}
	v, err := e.loadVisibility(id)
	if err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

// GetVisibilityCreditBalance returns the account's credit balance for the
// visibility.
func (e *Engine) GetVisibilityCreditBalance(visibilityID string, addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	id, err := sanitizeVisibilityID(visibilityID)
	if err != nil {
		return nil, err
	}
	return e.creditBalance(id, addr)
}

// VisibilityCreator reports the linked creator of the visibility, if any. The
// services engine authorizes every transition against this live lookup.
func (e *Engine) VisibilityCreator(visibilityID string) ([20]byte, bool, error) {
	if e == nil || e.state == nil {
		return [20]byte{}, false, errNilState
	}
	id, err := sanitizeVisibilityID(visibilityID)
	if err != nil {
		return [20]byte{}, false, err
	}
	v, err := e.loadVisibility(id)
	if err != nil {
		return [20]byte{}, false, err
	}
	if !v.HasCreator {
		return [20]byte{}, false, nil
	}
	return v.Creator, true, nil
}

// DebugString returns a textual description of the engine wiring. Useful for
// tracing.
func (e *Engine) DebugString() string {
	if e == nil {
		return "credits engine <nil>"
	}
	return fmt.Sprintf("credits engine module=%s treasury=%s", hexAddr(e.moduleAccount), hexAddr(e.treasury))
}
