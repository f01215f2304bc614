package payment

import "strings"

// Network is one supported settlement network. The set is closed: anything
// not registered here is rejected at decode time.
type Network struct {
	// ID is the CAIP-2 identifier used on the wire.
	ID      string
	Alias   string
	ChainID int64
	// USDC is the default asset; TokenName/TokenVersion form its EIP-712 domain.
	USDC         string
	TokenName    string
	TokenVersion string
	Decimals     int32
}

var networks = []Network{
	{
		ID:           "eip155:8453",
		Alias:        "base",
		ChainID:      8453,
		USDC:         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		TokenName:    "USD Coin",
		TokenVersion: "2",
		Decimals:     6,
	},
	{
		ID:           "eip155:84532",
		Alias:        "base-sepolia",
		ChainID:      84532,
		USDC:         "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		TokenName:    "USDC",
		TokenVersion: "2",
		Decimals:     6,
	},
}

// LookupNetwork finds a network by CAIP-2 id or alias.
func LookupNetwork(name string) (Network, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, n := range networks {
		if n.ID == name || n.Alias == name {
			return n, true
		}
	}
	return Network{}, false
}
