package common

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ModuleAddress derives the deterministic account address an engine-owned
// module transacts under. Module accounts participate in the balance books
// like any externally owned account.
func ModuleAddress(name string) [20]byte {
	sum := ethcrypto.Keccak256([]byte("noodles/module/" + name))
	var addr [20]byte
	copy(addr[:], sum[12:])
	return addr
}
