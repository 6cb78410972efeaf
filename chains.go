package x402

import (
	"fmt"
	"strconv"
	"strings"
)

// NetworkType represents the blockchain virtual machine family.
type NetworkType int

const (
	NetworkTypeUnknown NetworkType = iota
	NetworkTypeEVM
	NetworkTypeSVM
)

// String returns "evm", "svm" or "unknown".
func (t NetworkType) String() string {
	switch t {
	case NetworkTypeEVM:
		return "evm"
	case NetworkTypeSVM:
		return "svm"
	default:
		return "unknown"
	}
}

// CAIP-2 network identifiers.
const (
	NetworkBase          = "eip155:8453"
	NetworkBaseSepolia   = "eip155:84532"
	NetworkPolygon       = "eip155:137"
	NetworkPolygonAmoy   = "eip155:80002"
	NetworkSolanaMainnet = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	NetworkSolanaDevnet  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
)

// ChainConfig holds the settlement asset used on a known network.
type ChainConfig struct {
	Network     string
	USDCAddress string
	Decimals    int

	// EIP712Name and EIP712Version are the USDC domain parameters (EVM only).
	EIP712Name    string
	EIP712Version string
}

// Known chains. USDC addresses are Circle's official deployments.
var (
	BaseMainnet = ChainConfig{
		Network:       NetworkBase,
		USDCAddress:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}
	BaseSepolia = ChainConfig{
		Network:       NetworkBaseSepolia,
		USDCAddress:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	}
	PolygonMainnet = ChainConfig{
		Network:       NetworkPolygon,
		USDCAddress:   "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}
	PolygonAmoy = ChainConfig{
		Network:       NetworkPolygonAmoy,
		USDCAddress:   "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	}
	SolanaMainnet = ChainConfig{
		Network:     NetworkSolanaMainnet,
		USDCAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Decimals:    6,
	}
	SolanaDevnet = ChainConfig{
		Network:     NetworkSolanaDevnet,
		USDCAddress: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		Decimals:    6,
	}
)

var chainConfigByNetwork = map[string]ChainConfig{
	NetworkBase:          BaseMainnet,
	NetworkBaseSepolia:   BaseSepolia,
	NetworkPolygon:       PolygonMainnet,
	NetworkPolygonAmoy:   PolygonAmoy,
	NetworkSolanaMainnet: SolanaMainnet,
	NetworkSolanaDevnet:  SolanaDevnet,
}

// legacyNetworkNames maps x402 v1 network names to CAIP-2.
var legacyNetworkNames = map[string]string{
	"base":           NetworkBase,
	"base-sepolia":   NetworkBaseSepolia,
	"polygon":        NetworkPolygon,
	"polygon-amoy":   NetworkPolygonAmoy,
	"solana":         NetworkSolanaMainnet,
	"solana-devnet":  NetworkSolanaDevnet,
	"solana-mainnet": NetworkSolanaMainnet,
}

// NormalizeNetwork accepts either a CAIP-2 identifier or a v1 network name
// ("base-sepolia") and returns the CAIP-2 form.
func NormalizeNetwork(network string) (string, error) {
	n := strings.TrimSpace(network)
	if caip, ok := legacyNetworkNames[strings.ToLower(n)]; ok {
		return caip, nil
	}
	if _, err := ValidateNetwork(n); err != nil {
		return "", err
	}
	return n, nil
}

// GetChainConfig returns the chain configuration for a CAIP-2 identifier.
func GetChainConfig(network string) (ChainConfig, error) {
	config, ok := chainConfigByNetwork[network]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
	}
	return config, nil
}

// ValidateNetwork validates a CAIP-2 identifier and returns its family.
func ValidateNetwork(network string) (NetworkType, error) {
	if network == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: network cannot be empty", ErrInvalidNetwork)
	}

	namespace, reference, ok := strings.Cut(network, ":")
	if !ok {
		return NetworkTypeUnknown, fmt.Errorf("%w: invalid CAIP-2 format: %s", ErrInvalidNetwork, network)
	}
	if reference == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: missing network reference: %s", ErrInvalidNetwork, network)
	}

	switch namespace {
	case "eip155":
		if _, err := strconv.ParseInt(reference, 10, 64); err != nil {
			return NetworkTypeUnknown, fmt.Errorf("%w: invalid EIP-155 chain ID: %s", ErrInvalidNetwork, reference)
		}
		return NetworkTypeEVM, nil
	case "solana":
		// base58 genesis hash prefix
		if len(reference) < 32 || len(reference) > 44 {
			return NetworkTypeUnknown, fmt.Errorf("%w: invalid Solana genesis hash length: %s", ErrInvalidNetwork, reference)
		}
		return NetworkTypeSVM, nil
	default:
		return NetworkTypeUnknown, fmt.Errorf("%w: unsupported namespace: %s", ErrInvalidNetwork, namespace)
	}
}

// GetChainID extracts the chain ID from an EVM CAIP-2 identifier.
func GetChainID(network string) (int64, error) {
	namespace, reference, ok := strings.Cut(network, ":")
	if !ok {
		return 0, fmt.Errorf("%w: invalid CAIP-2 format: %s", ErrInvalidNetwork, network)
	}
	if namespace != "eip155" {
		return 0, fmt.Errorf("%w: not an EVM network: %s", ErrInvalidNetwork, network)
	}
	chainID, err := strconv.ParseInt(reference, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid chain ID: %s", ErrInvalidNetwork, reference)
	}
	return chainID, nil
}
