package credits

import (
	"encoding/hex"
	"strconv"

	"noodles/core/events"
	"noodles/core/types"
)

const (
	// EventTypeCreatorFeeClaimed is emitted when accrued creator fees pay out.
	EventTypeCreatorFeeClaimed = "credits.creator.fee_claimed"
	// EventTypeCreatorVisibilitySet is emitted when a visibility's creator is
	// linked or cleared.
	EventTypeCreatorVisibilitySet = "credits.creator.visibility_set"
	// EventTypeCreditsTrade is emitted on every buy and sell.
	EventTypeCreditsTrade = "credits.trade"
	// EventTypeCreditsTransfer is emitted on privileged credit moves.
	EventTypeCreditsTransfer = "credits.transfer"
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

// CreatorFeeClaimedEvent records a creator-fee payout.
func CreatorFeeClaimedEvent(creator [20]byte, amount string) *types.Event {
	return &types.Event{
		Type: EventTypeCreatorFeeClaimed,
		Attributes: map[string]string{
			"creator": hexAddr(creator),
			"amount":  amount,
		},
	}
}

// CreatorVisibilitySetEvent records a creator link change. A cleared creator
// is carried as the zero address.
func CreatorVisibilitySetEvent(visibilityID string, creator [20]byte) *types.Event {
	return &types.Event{
		Type: EventTypeCreatorVisibilitySet,
		Attributes: map[string]string{
			"visibilityId": visibilityID,
			"creator":      hexAddr(creator),
		},
	}
}

// CreditsTradeEvent records a settled buy or sell with the full fee
// decomposition and the post-commit supply and price. Field naming is part of
// the wire contract consumed by indexers. The fields travel as an attribute
// map, so the event carries no field order.
func CreditsTradeEvent(r *TradeReceipt) *types.Event {
	return &types.Event{
		Type: EventTypeCreditsTrade,
		Attributes: map[string]string{
			"from":            hexAddr(r.From),
			"visibilityId":    r.VisibilityID,
			"amount":          r.Amount.String(),
			"isBuy":           strconv.FormatBool(r.IsBuy),
			"tradeCost":       r.TradeCost.String(),
			"creatorFee":      r.CreatorFee.String(),
			"protocolFee":     r.ProtocolFee.String(),
			"referrerFee":     r.ReferrerFee.String(),
			"referrer":        hexAddr(r.Referrer),
			"newTotalSupply":  r.NewTotalSupply.String(),
			"newCurrentPrice": r.NewCurrentPrice.String(),
		},
	}
}

// CreditsTransferEvent records a privileged credit move between accounts.
func CreditsTransferEvent(visibilityID string, from [20]byte, to [20]byte, amount string) *types.Event {
	return &types.Event{
		Type: EventTypeCreditsTransfer,
		Attributes: map[string]string{
			"visibilityId": visibilityID,
			"from":         hexAddr(from),
			"to":           hexAddr(to),
			"amount":       amount,
		},
	}
}
