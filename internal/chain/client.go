// Package chain submits SETTLE mint transactions through go-ethereum.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// settleTokenABI covers the single contract call this service makes.
const settleTokenABI = `[{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"mint","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// Client wraps an RPC connection and the bound SETTLE token contract.
type Client struct {
	eth          *ethclient.Client
	contract     *bind.BoundContract
	contractAddr common.Address
	chainID      *big.Int
}

func NewClient(rpcURL string, contractAddr common.Address, chainID int64) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(settleTokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse settle token abi: %w", err)
	}

	return &Client{
		eth:          eth,
		contract:     bind.NewBoundContract(contractAddr, parsed, eth, eth, eth),
		contractAddr: contractAddr,
		chainID:      big.NewInt(chainID),
	}, nil
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// ContractAddress returns the SETTLE token contract address.
func (c *Client) ContractAddress() common.Address { return c.contractAddr }

// Mint submits mint(to, amount) signed by key, waits for the transaction to
// be mined, and returns the transaction hash and the block it landed in.
// A reverted transaction is an error.
func (c *Client) Mint(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, uint64, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("build tx opts: %w", err)
	}
	opts.Context = ctx

	tx, err := c.contract.Transact(opts, "mint", to, amount)
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("mint tx: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == 0 {
		return common.Hash{}, 0, fmt.Errorf("mint tx reverted: %s", tx.Hash().Hex())
	}
	return tx.Hash(), receipt.BlockNumber.Uint64(), nil
}
