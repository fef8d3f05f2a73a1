// Package contracts adapts smart-contract tooling to the request pipeline:
// compilation (an external solc binary or the built-in validating
// compiler), rule-based static analysis and deployment through a web3
// client.
package contracts
