package h402

import (
	"context"
	"strings"
)

// TokenMetadata is display metadata for an asset. It is never required
// for verification; AtomicAmount only consults tokenDecimals when the
// requirement uses the humanReadable format.
type TokenMetadata struct {
	Symbol   string
	Decimals int
}

// MetadataSource resolves token metadata from an authoritative source,
// typically the chain itself.
type MetadataSource interface {
	TokenMetadata(ctx context.Context, networkID, tokenAddress string) (TokenMetadata, error)
}

type assetKey struct {
	namespace string
	networkID string
	token     string
}

// knownAssets pins metadata for the assets the protocol is most commonly
// used with, so paywalls render sensibly without an RPC round trip.
var knownAssets = map[assetKey]TokenMetadata{}

func pinAsset(namespace, networkID, token, symbol string, decimals int) {
	knownAssets[assetKey{namespace, networkID, token}] = TokenMetadata{Symbol: symbol, Decimals: decimals}
}

func init() {
	pinAsset(NamespaceEVM, "56", strings.ToLower(EVMNativeAsset), "BNB", 18)
	pinAsset(NamespaceEVM, "97", strings.ToLower(EVMNativeAsset), "tBNB", 18)
	pinAsset(NamespaceEVM, "56", "0x55d398326f99059ff775485246999027b3197955", "USDT", 18)
	pinAsset(NamespaceEVM, "56", "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d", "USDC", 18)

	pinAsset(NamespaceSolana, "solana", SolanaNativeAsset, "SOL", 9)
	pinAsset(NamespaceSolana, "solana-devnet", SolanaNativeAsset, "SOL", 9)
	pinAsset(NamespaceSolana, "solana", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", "USDC", 6)
	pinAsset(NamespaceSolana, "solana", "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", "USDT", 6)
}

// EnrichRequirements fills missing tokenDecimals/tokenSymbol on each
// requirement, first from the known-asset table and then from the given
// per-namespace sources. It is best effort: requirements whose metadata
// cannot be resolved are returned unchanged.
func EnrichRequirements(ctx context.Context, accepts []PaymentRequirements, sources map[string]MetadataSource) []PaymentRequirements {
	out := make([]PaymentRequirements, len(accepts))
	copy(out, accepts)

	for i := range out {
		req := &out[i]
		if req.TokenDecimals != 0 && req.TokenSymbol != "" {
			continue
		}

		token := req.TokenAddress
		if req.Namespace == NamespaceEVM {
			token = strings.ToLower(token)
		}
		meta, ok := knownAssets[assetKey{req.Namespace, req.NetworkID, token}]
		if !ok {
			source := sources[req.Namespace]
			if source == nil {
				continue
			}
			resolved, err := source.TokenMetadata(ctx, req.NetworkID, req.TokenAddress)
			if err != nil {
				continue
			}
			meta = resolved
		}

		if req.TokenDecimals == 0 {
			req.TokenDecimals = meta.Decimals
		}
		if req.TokenSymbol == "" {
			req.TokenSymbol = meta.Symbol
		}
	}
	return out
}
