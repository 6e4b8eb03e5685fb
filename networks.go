package h402

import "fmt"

// EVMNetwork describes a supported EVM chain.
type EVMNetwork struct {
	// ChainID is the numeric chain ID used in transaction signing.
	ChainID int64

	// Name is the human-readable network name.
	Name string

	// RPCURL is the default JSON-RPC endpoint.
	RPCURL string
}

// SolanaNetwork describes a supported Solana cluster.
type SolanaNetwork struct {
	// Cluster is the cluster moniker (mainnet-beta, devnet, testnet).
	Cluster string

	// RPCURL is the default RPC endpoint.
	RPCURL string
}

// Networks is the set of chains and clusters a component is willing to
// touch, keyed by networkId. Construct it once at startup; it is not safe
// to mutate while in use.
type Networks struct {
	EVM    map[string]EVMNetwork
	Solana map[string]SolanaNetwork
}

// DefaultNetworks returns the built-in network registry: BNB Smart Chain
// and the public Solana clusters.
func DefaultNetworks() *Networks {
	return &Networks{
		EVM: map[string]EVMNetwork{
			"56": {
				ChainID: 56,
				Name:    "BNB Smart Chain",
				RPCURL:  "https://bsc-dataseed.binance.org",
			},
			"97": {
				ChainID: 97,
				Name:    "BNB Smart Chain Testnet",
				RPCURL:  "https://data-seed-prebsc-1-s1.binance.org:8545",
			},
		},
		Solana: map[string]SolanaNetwork{
			"solana": {
				Cluster: "mainnet-beta",
				RPCURL:  "https://api.mainnet-beta.solana.com",
			},
			"solana-devnet": {
				Cluster: "devnet",
				RPCURL:  "https://api.devnet.solana.com",
			},
		},
	}
}

// EVMByID looks up an EVM network by networkId.
func (n *Networks) EVMByID(networkID string) (EVMNetwork, error) {
	net, ok := n.EVM[networkID]
	if !ok {
		return EVMNetwork{}, fmt.Errorf("%w: evm network %q", ErrUnsupportedNetwork, networkID)
	}
	return net, nil
}

// SolanaByID looks up a Solana cluster by networkId.
func (n *Networks) SolanaByID(networkID string) (SolanaNetwork, error) {
	net, ok := n.Solana[networkID]
	if !ok {
		return SolanaNetwork{}, fmt.Errorf("%w: solana network %q", ErrUnsupportedNetwork, networkID)
	}
	return net, nil
}
