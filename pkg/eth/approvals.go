package eth

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ERC-1155 method selectors, computed once.
var (
	isApprovedForAllSelector  = crypto.Keccak256([]byte("isApprovedForAll(address,address)"))[:4]
	setApprovalForAllSelector = crypto.Keccak256([]byte("setApprovalForAll(address,bool)"))[:4]
)

// ChainBackend is the subset of ethclient.Client used for approval
// management.
type ChainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Approvals manages the ERC-1155 operator approvals the exchange needs to
// transfer conditional tokens out of the wallet when a sell settles.
type Approvals struct {
	backend   ChainBackend
	wallet    *Wallet
	token     common.Address
	operators []common.Address

	receiptPollInterval time.Duration
}

// NewApprovals creates an approval manager for the conditional tokens
// contract. With no explicit operators it approves both exchange variants.
func NewApprovals(backend ChainBackend, wallet *Wallet, operators ...common.Address) *Approvals {
	if len(operators) == 0 {
		operators = []common.Address{CTFExchangeAddress, NegRiskCTFExchangeAddress}
	}
	return &Approvals{
		backend:             backend,
		wallet:              wallet,
		token:               ConditionalTokensAddress,
		operators:           operators,
		receiptPollInterval: 2 * time.Second,
	}
}

// VerifyChain confirms the RPC endpoint is Base mainnet and that the
// conditional tokens contract is deployed there.
func (a *Approvals) VerifyChain(ctx context.Context) error {
	cid, err := a.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	if cid.Int64() != ChainIDBase {
		return fmt.Errorf("connected RPC is chain %s, want Base mainnet (%d)", cid, ChainIDBase)
	}
	code, err := a.backend.CodeAt(ctx, a.token, nil)
	if err != nil {
		return fmt.Errorf("code at %s: %w", a.token.Hex(), err)
	}
	if len(code) == 0 {
		return fmt.Errorf("no contract deployed at %s on the connected RPC", a.token.Hex())
	}
	return nil
}

// EnsureSellApproval grants each exchange operator ERC-1155 transfer rights
// over the wallet's conditional tokens, skipping operators that already have
// them. Blocks until every approval transaction is mined.
func (a *Approvals) EnsureSellApproval(ctx context.Context) error {
	if err := a.VerifyChain(ctx); err != nil {
		return err
	}
	for _, operator := range a.operators {
		approved, err := a.isApprovedForAll(ctx, operator)
		if err != nil {
			return err
		}
		if approved {
			continue
		}
		if err := a.approve(ctx, operator); err != nil {
			return err
		}
	}
	return nil
}

func (a *Approvals) isApprovedForAll(ctx context.Context, operator common.Address) (bool, error) {
	data := append([]byte{}, isApprovedForAllSelector...)
	data = append(data, common.LeftPadBytes(a.wallet.address.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(operator.Bytes(), 32)...)

	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{
		From: a.wallet.address,
		To:   &a.token,
		Data: data,
	}, nil)
	if err != nil {
		return false, fmt.Errorf("isApprovedForAll %s: %w", operator.Hex(), err)
	}
	if len(out) < 32 {
		return false, fmt.Errorf("isApprovedForAll %s: short return (%d bytes)", operator.Hex(), len(out))
	}
	return out[31] == 1, nil
}

func (a *Approvals) approve(ctx context.Context, operator common.Address) error {
	data := append([]byte{}, setApprovalForAllSelector...)
	data = append(data, common.LeftPadBytes(operator.Bytes(), 32)...)
	flag := make([]byte, 32)
	flag[31] = 1
	data = append(data, flag...)

	gas, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: a.wallet.address,
		To:   &a.token,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("setApprovalForAll would revert for %s: %w", operator.Hex(), err)
	}
	nonce, err := a.backend.PendingNonceAt(ctx, a.wallet.address)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(ChainIDBase),
		Nonce:     nonce,
		GasTipCap: big.NewInt(100_000_000), // 0.1 gwei
		GasFeeCap: big.NewInt(500_000_000), // 0.5 gwei
		Gas:       gas + gas/5,
		To:        &a.token,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(ChainIDBase)), a.wallet.privateKey)
	if err != nil {
		return fmt.Errorf("sign approval tx: %w", err)
	}
	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send approval tx: %w", err)
	}
	return a.waitMined(ctx, signed.Hash(), operator)
}

func (a *Approvals) waitMined(ctx context.Context, hash common.Hash, operator common.Address) error {
	for {
		rcpt, err := a.backend.TransactionReceipt(ctx, hash)
		if err == nil && rcpt != nil {
			if rcpt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("setApprovalForAll reverted on-chain for %s", operator.Hex())
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.receiptPollInterval):
		}
	}
}
