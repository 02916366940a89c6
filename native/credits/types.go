package credits

import "math/big"

// Visibility is the per-creator credit book. Records are created implicitly on
// first write and never destroyed; supply may return to zero but the record
// persists.
type Visibility struct {
	ID            string   `json:"id"`
	Creator       [20]byte `json:"creator"`
	HasCreator    bool     `json:"hasCreator"`
	TotalSupply   *big.Int `json:"totalSupply"`
	ClaimableFees *big.Int `json:"claimableFees"`
}

// Clone returns a deep copy of the visibility record.
func (v *Visibility) Clone() *Visibility {
	if v == nil {
		return nil
	}
	clone := *v
	if v.TotalSupply != nil {
		clone.TotalSupply = new(big.Int).Set(v.TotalSupply)
	}
	if v.ClaimableFees != nil {
		clone.ClaimableFees = new(big.Int).Set(v.ClaimableFees)
	}
	return &clone
}

// Quote is the cost breakdown for a prospective trade at the current supply.
// For buys Total is what the buyer must attach; for sells it is the
// reimbursement the seller receives.
type Quote struct {
	TradeCost   *big.Int `json:"tradeCost"`
	CreatorFee  *big.Int `json:"creatorFee"`
	ProtocolFee *big.Int `json:"protocolFee"`
	ReferrerFee *big.Int `json:"referrerFee"`
	Total       *big.Int `json:"total"`
}

// TradeReceipt summarises a settled buy or sell. Every field except Refund
// mirrors the emitted CreditsTrade event so callers need not re-derive the
// decomposition; the refund of excess attachment is reported only here.
type TradeReceipt struct {
	VisibilityID    string   `json:"visibilityId"`
	From            [20]byte `json:"from"`
	Amount          *big.Int `json:"amount"`
	IsBuy           bool     `json:"isBuy"`
	TradeCost       *big.Int `json:"tradeCost"`
	CreatorFee      *big.Int `json:"creatorFee"`
	ProtocolFee     *big.Int `json:"protocolFee"`
	ReferrerFee     *big.Int `json:"referrerFee"`
	Referrer        [20]byte `json:"referrer"`
	Refund          *big.Int `json:"refund"`
	NewTotalSupply  *big.Int `json:"newTotalSupply"`
	NewCurrentPrice *big.Int `json:"newCurrentPrice"`
}
