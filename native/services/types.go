package services

import "math/big"

// ExecutionState tracks an execution through its settlement lifecycle. The
// zero value marks an absent record: unknown (service, execution) keys read
// as StateUninitialized.
type ExecutionState uint8

const (
	StateUninitialized ExecutionState = iota
	StateRequested
	StateAccepted
	StateDisputed
	StateRefunded
	StateValidated
)

// Terminal reports whether the state accepts no further transition.
func (s ExecutionState) Terminal() bool {
	return s == StateRefunded || s == StateValidated
}

func (s ExecutionState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateRequested:
		return "REQUESTED"
	case StateAccepted:
		return "ACCEPTED"
	case StateDisputed:
		return "DISPUTED"
	case StateRefunded:
		return "REFUNDED"
	case StateValidated:
		return "VALIDATED"
	default:
		return "UNKNOWN"
	}
}

// Service is a creator-defined product priced in credits of its visibility.
type Service struct {
	Nonce           uint64   `json:"nonce"`
	Enabled         bool     `json:"enabled"`
	ServiceType     string   `json:"serviceType"`
	VisibilityID    string   `json:"visibilityId"`
	CreditsCost     *big.Int `json:"creditsCost"`
	ExecutionsNonce uint64   `json:"executionsNonce"`
}

// Clone returns a deep copy of the service record.
func (s *Service) Clone() *Service {
	if s == nil {
		return nil
	}
	clone := *s
	if s.CreditsCost != nil {
		clone.CreditsCost = new(big.Int).Set(s.CreditsCost)
	}
	return &clone
}

// Execution is a single requested instance of a service. RequestDigest is the
// blake3 fingerprint of the opaque request payload, carried so indexers can
// match off-band content without storing it on the ledger.
type Execution struct {
	ServiceNonce  uint64         `json:"serviceNonce"`
	Nonce         uint64         `json:"executionNonce"`
	State         ExecutionState `json:"state"`
	Requester     [20]byte       `json:"requester"`
	RequestDigest [32]byte       `json:"requestDigest"`
	LastUpdateTS  int64          `json:"lastUpdateTs"`
}

// Clone returns a copy of the execution record.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}
