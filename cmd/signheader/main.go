// cmd/signheader/main.go — signs an EIP-3009 TransferWithAuthorization for a
// payment requirement and prints the base64 X-PAYMENT header.
//
// Usage:
//
//	PAYER_PK=0x... go run ./cmd/signheader/ \
//	  --to 0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913 \
//	  --value 1000 --network base --asset 0x... [--timeout 60]
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/settleonbase/settle-gate/internal/x402"
)

func main() {
	to := flag.String("to", "", "authorization recipient (the settle contract, required)")
	value := flag.String("value", "1000", "atomic USDC amount")
	network := flag.String("network", "base", "x402 network (base or base-sepolia)")
	asset := flag.String("asset", "", "USDC contract address (required)")
	domainName := flag.String("domain-name", "USD Coin", "EIP-712 domain name of the asset")
	domainVersion := flag.String("domain-version", "2", "EIP-712 domain version of the asset")
	timeout := flag.Int64("timeout", 60, "authorization validity in seconds")
	flag.Parse()

	if *to == "" || *asset == "" {
		flag.Usage()
		os.Exit(2)
	}

	pk := os.Getenv("PAYER_PK")
	if pk == "" {
		fmt.Fprintln(os.Stderr, "PAYER_PK not set")
		os.Exit(1)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(pk, "0x"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse PAYER_PK: %v\n", err)
		os.Exit(1)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	chainID := int64(8453)
	if *network == "base-sepolia" {
		chainID = 84532
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		fmt.Fprintf(os.Stderr, "nonce: %v\n", err)
		os.Exit(1)
	}

	now := time.Now().Unix()
	validAfter := big.NewInt(now)
	validBefore := big.NewInt(now + *timeout)
	amount, ok := new(big.Int).SetString(*value, 10)
	if !ok {
		fmt.Fprintf(os.Stderr, "invalid value %q\n", *value)
		os.Exit(1)
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              *domainName,
			Version:           *domainVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: *asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        from.Hex(),
			"to":          *to,
			"value":       amount.String(),
			"validAfter":  validAfter.String(),
			"validBefore": validBefore.String(),
			"nonce":       hexutil.Encode(nonce),
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash typed data: %v\n", err)
		os.Exit(1)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign: %v\n", err)
		os.Exit(1)
	}
	sig[64] += 27 // wallets emit v as 27/28

	header, err := x402.EncodePayment(&x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      "exact",
		Network:     *network,
		Payload: &x402.ExactEvmPayload{
			Signature: hexutil.Encode(sig),
			Authorization: &x402.Authorization{
				From:        from.Hex(),
				To:          *to,
				Value:       amount.String(),
				ValidAfter:  validAfter.String(),
				ValidBefore: validBefore.String(),
				Nonce:       hexutil.Encode(nonce),
			},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode header: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(header)
}
