// Package web3 defines the read-only views the agent platform takes of a
// blockchain: wallet holdings and chain liveness. Concrete inspectors live in
// the tonapi and ethereum subpackages and are assembled by provider.
package web3
