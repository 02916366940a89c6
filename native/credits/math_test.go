package credits

import (
	"math"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func refUnitPrice(s uint64) *big.Int {
	supply := new(big.Int).SetUint64(s)
	price := new(big.Int).Mul(supply, supply)
	price.Mul(price, big.NewInt(curveAWei))
	price.Add(price, new(big.Int).Mul(big.NewInt(curveBWei), supply))
	return price.Add(price, big.NewInt(curveBaseWei))
}

// refTradeCost sums unit prices one index at a time, the slow way the closed
// form must agree with.
func refTradeCost(fromSupply, amount uint64) *big.Int {
	total := big.NewInt(0)
	for i := uint64(0); i < amount; i++ {
		total.Add(total, refUnitPrice(fromSupply+i))
	}
	return total
}

func TestTradeCostMatchesUnitSummation(t *testing.T) {
	cases := []struct {
		fromSupply uint64
		amount     uint64
	}{
		{0, 1},
		{0, 7},
		{1, 1},
		{5, 3},
		{100, 50},
		{12_345, 97},
	}
	for _, tc := range cases {
		got := tradeCost(tc.fromSupply, tc.amount).ToBig()
		want := refTradeCost(tc.fromSupply, tc.amount)
		if got.Cmp(want) != 0 {
			t.Fatalf("tradeCost(%d,%d) = %s, want %s", tc.fromSupply, tc.amount, got, want)
		}
	}
}

func TestTradeCostClosedFormAtZeroSupply(t *testing.T) {
	// trade_cost(0, n) == BASE*n + A*S2(n-1) + B*S1(n-1).
	for _, n := range []uint64{1, 2, 10, 1000} {
		last := n - 1
		s1 := new(big.Int).Mul(new(big.Int).SetUint64(last), new(big.Int).SetUint64(last+1))
		s1.Div(s1, big.NewInt(2))
		s2 := new(big.Int).Mul(new(big.Int).SetUint64(last), new(big.Int).SetUint64(last+1))
		s2.Mul(s2, new(big.Int).Add(new(big.Int).Mul(big.NewInt(2), new(big.Int).SetUint64(last)), big.NewInt(1)))
		s2.Div(s2, big.NewInt(6))
		want := new(big.Int).Mul(big.NewInt(curveBaseWei), new(big.Int).SetUint64(n))
		want.Add(want, new(big.Int).Mul(big.NewInt(curveAWei), s2))
		want.Add(want, new(big.Int).Mul(big.NewInt(curveBWei), s1))
		got := tradeCost(0, n).ToBig()
		if got.Cmp(want) != 0 {
			t.Fatalf("tradeCost(0,%d) = %s, want %s", n, got, want)
		}
	}
}

func TestSingleUnitCostEqualsSpotPrice(t *testing.T) {
	for _, s := range []uint64{0, 1, 42, 1_000_000, math.MaxUint64 - 1} {
		got := tradeCost(s, 1).ToBig()
		want := refUnitPrice(s)
		if got.Cmp(want) != 0 {
			t.Fatalf("tradeCost(%d,1) = %s, want spot %s", s, got, want)
		}
	}
}

func TestTradeCostNearSupplyCapDoesNotOverflow(t *testing.T) {
	cost := tradeCost(math.MaxUint64-10, 10)
	if cost.IsZero() {
		t.Fatalf("expected non-zero cost near the cap")
	}
	// A*S2 dominates; sanity-bound the magnitude below 2^256.
	if cost.ToBig().BitLen() > 256 {
		t.Fatalf("cost exceeds 256 bits: %d", cost.ToBig().BitLen())
	}
}

func TestFeeSplitExactness(t *testing.T) {
	costs := []uint64{1, 99, 100_000_000_000_000, 123_456_789_123_456_789}
	for _, c := range costs {
		cost := uint256.NewInt(c)
		costBig := new(big.Int).SetUint64(c)

		creatorFee, protocolFee, referrerFee := splitFees(cost, false)
		if referrerFee.Sign() != 0 {
			t.Fatalf("referrer fee without referrer: %s", referrerFee)
		}
		wantCreator := new(big.Int).Div(new(big.Int).Mul(costBig, big.NewInt(int64(creatorFeePpm))), big.NewInt(int64(feeDenominator)))
		if creatorFee.ToBig().Cmp(wantCreator) != 0 {
			t.Fatalf("creator fee for %d: got %s want %s", c, creatorFee, wantCreator)
		}

		// With a referrer, the protocol and referrer shares must sum to the
		// no-referrer protocol share exactly when the ppm split is exact, and
		// never exceed it.
		creatorFee2, protocolFee2, referrerFee2 := splitFees(cost, true)
		if creatorFee2.ToBig().Cmp(creatorFee.ToBig()) != 0 {
			t.Fatalf("creator fee changed with referrer")
		}
		combined := new(big.Int).Add(protocolFee2.ToBig(), referrerFee2.ToBig())
		if combined.Cmp(protocolFee.ToBig()) > 0 {
			t.Fatalf("referrer split exceeds protocol share: %s > %s", combined, protocolFee)
		}
	}
}

func TestReimbursementNeverExceedsPurchaseCost(t *testing.T) {
	for _, tc := range []struct{ s, n uint64 }{{0, 1}, {0, 10}, {7, 3}} {
		cost := tradeCost(tc.s, tc.n)
		creatorFee, protocolFee, referrerFee := splitFees(cost, true)
		reimbursement := new(big.Int).Sub(cost.ToBig(), creatorFee.ToBig())
		reimbursement.Sub(reimbursement, protocolFee.ToBig())
		reimbursement.Sub(reimbursement, referrerFee.ToBig())
		if reimbursement.Cmp(cost.ToBig()) > 0 {
			t.Fatalf("reimbursement %s exceeds trade cost %s", reimbursement, cost)
		}
		if reimbursement.Sign() < 0 {
			t.Fatalf("negative reimbursement %s", reimbursement)
		}
	}
}

func TestValidateFeeParams(t *testing.T) {
	if err := validateFeeParams(); err != nil {
		t.Fatalf("compiled-in fee params rejected: %v", err)
	}
}
