// Package web3 houses chain connectivity used by the contract pipeline:
// the client contract, YAML chain definitions and, in subpackages, the
// go-ethereum backed EVM client and a named client registry.
package web3
