// cmd/checkbal/main.go — prints the ETH, USDC, and SETTLE balances of a
// wallet. Handy for checking admin signers have gas and payers got minted.
//
// Usage:
//
//	go run ./cmd/checkbal/ --rpc https://mainnet.base.org \
//	  --wallet 0x... --settle 0x... --usdc 0x...
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

func main() {
	rpcURL := flag.String("rpc", "https://mainnet.base.org", "RPC endpoint")
	wallet := flag.String("wallet", "", "wallet address (required)")
	settle := flag.String("settle", "", "SETTLE token contract")
	usdc := flag.String("usdc", "", "USDC token contract")
	flag.Parse()

	if !common.IsHexAddress(*wallet) {
		flag.Usage()
		os.Exit(2)
	}
	addr := common.HexToAddress(*wallet)

	eth, err := ethclient.Dial(*rpcURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial rpc: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()

	ethBal, err := eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eth balance: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ETH:     %s wei\n", ethBal)

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse abi: %v\n", err)
		os.Exit(1)
	}

	for _, token := range []struct {
		name     string
		contract string
	}{
		{"USDC", *usdc},
		{"SETTLE", *settle},
	} {
		if token.contract == "" {
			continue
		}
		bound := bind.NewBoundContract(common.HexToAddress(token.contract), parsed, eth, eth, eth)
		var out []any
		if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", addr); err != nil {
			fmt.Fprintf(os.Stderr, "%s balanceOf: %v\n", token.name, err)
			continue
		}
		fmt.Printf("%-7s %s\n", token.name+":", out[0].(*big.Int))
	}
}
