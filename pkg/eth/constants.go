package eth

import "github.com/ethereum/go-ethereum/common"

// Base mainnet chain ID, the chain Limitless settles on.
const ChainIDBase = 8453

// Limitless contract addresses on Base.
var (
	// CTFExchangeAddress is the Limitless CTF exchange (verifying contract
	// for order signatures).
	CTFExchangeAddress = common.HexToAddress("0xa4409D988CA2218d956BeEFD3874100F444f0DC3")

	// NegRiskCTFExchangeAddress is the neg-risk variant of the exchange.
	NegRiskCTFExchangeAddress = common.HexToAddress("0x5a38afc17F7E97ad8d6C547ddb837E40B4aEDfC6")

	// ConditionalTokensAddress is the ERC-1155 conditional tokens contract.
	ConditionalTokensAddress = common.HexToAddress("0xC9c98965297Bc527861c898329Ee280632B76e18")
)
