package credits

import (
	"math"

	"github.com/holiman/uint256"
)

// Bonding curve constants, in the smallest native-currency unit:
// price(s) = BASE + A*s^2 + B*s.
const (
	curveBaseWei = 100_000_000_000_000 // 1e14
	curveAWei    = 15_000_000_000      // 1.5e10
	curveBWei    = 25_000_000_000_000  // 2.5e13
)

// Fee constants in parts per million of trade cost.
const (
	feeDenominator uint64 = 1_000_000
	creatorFeePpm  uint64 = 20_000
	protocolFeePpm uint64 = 20_000
	referrerFeePpm uint64 = 10_000
)

// MaxTotalSupply is the hard cap on each visibility's credit supply.
const MaxTotalSupply = uint64(math.MaxUint64)

var (
	curveBase = uint256.NewInt(curveBaseWei)
	curveA    = uint256.NewInt(curveAWei)
	curveB    = uint256.NewInt(curveBWei)
	feeDen    = uint256.NewInt(feeDenominator)
	u256One   = uint256.NewInt(1)
	u256Six   = uint256.NewInt(6)
	u256Two   = uint256.NewInt(2)
)

// sumFirstN computes n(n+1)/2 without overflow; the division is exact.
func sumFirstN(n uint64) *uint256.Int {
	x := uint256.NewInt(n)
	next := new(uint256.Int).Add(x, u256One)
	out := new(uint256.Int).Mul(x, next)
	return out.Div(out, u256Two)
}

// sumSquares computes n(n+1)(2n+1)/6 without overflow; the division is exact
// because among any {n, n+1, 2n+1} the numerator carries factors 2 and 3.
func sumSquares(n uint64) *uint256.Int {
	x := uint256.NewInt(n)
	next := new(uint256.Int).Add(x, u256One)
	twice := new(uint256.Int).Mul(x, u256Two)
	twice.Add(twice, u256One)
	out := new(uint256.Int).Mul(x, next)
	out.Mul(out, twice)
	return out.Div(out, u256Six)
}

// tradeCost prices an amount-unit trade over the unit indices
// [fromSupply .. fromSupply+amount-1]. Callers guarantee amount > 0 and that
// the index range stays below MaxTotalSupply.
func tradeCost(fromSupply uint64, amount uint64) *uint256.Int {
	toSupply := fromSupply + amount - 1
	s1 := sumFirstN(toSupply)
	s2 := sumSquares(toSupply)
	if fromSupply > 0 {
		s1.Sub(s1, sumFirstN(fromSupply-1))
		s2.Sub(s2, sumSquares(fromSupply-1))
	}
	cost := new(uint256.Int).Mul(curveBase, uint256.NewInt(amount))
	cost.Add(cost, new(uint256.Int).Mul(curveA, s2))
	cost.Add(cost, new(uint256.Int).Mul(curveB, s1))
	return cost
}

// unitPrice evaluates the instantaneous per-unit price at the given supply.
func unitPrice(supply uint64) *uint256.Int {
	s := uint256.NewInt(supply)
	price := new(uint256.Int).Mul(s, s)
	price.Mul(price, curveA)
	price.Add(price, new(uint256.Int).Mul(curveB, s))
	return price.Add(price, curveBase)
}

// splitFees decomposes a trade cost into creator, protocol, and referrer
// components using floor division. When a referrer participates its share is
// carved out of the protocol fee.
func splitFees(cost *uint256.Int, hasReferrer bool) (creatorFee, protocolFee, referrerFee *uint256.Int) {
	creatorFee = new(uint256.Int).Mul(cost, uint256.NewInt(creatorFeePpm))
	creatorFee.Div(creatorFee, feeDen)
	referrerFee = uint256.NewInt(0)
	protocolPpm := protocolFeePpm
	if hasReferrer {
		referrerFee = new(uint256.Int).Mul(cost, uint256.NewInt(referrerFeePpm))
		referrerFee.Div(referrerFee, feeDen)
		protocolPpm = protocolFeePpm - referrerFeePpm
	}
	protocolFee = new(uint256.Int).Mul(cost, uint256.NewInt(protocolPpm))
	protocolFee.Div(protocolFee, feeDen)
	return creatorFee, protocolFee, referrerFee
}

// validateFeeParams rejects constant sets where the referrer share could not
// be carved out of the protocol share.
func validateFeeParams() error {
	if protocolFeePpm <= referrerFeePpm {
		return ErrInvalidFeeParams
	}
	return nil
}
