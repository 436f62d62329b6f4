// Package sigverify recovers and checks the signer of an x402 payment
// authorization (EIP-712 TransferWithAuthorization typed data).
//
// Two recovery strategies run in order: the go-ethereum typed-data encoder
// over the exact types the wallet supplied, then a manual split of the
// signature with an independently recomputed canonical digest. Wallets differ
// in how they serialize the type dictionary and in the recovery id they
// attach, so a failure of the library path is not a rejection.
package sigverify

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"
)

// Proof is the result of a successful recovery. V is normalized to 27/28.
type Proof struct {
	V                uint8          `json:"v"`
	R                common.Hash    `json:"r"`
	S                common.Hash    `json:"s"`
	RecoveredAddress common.Address `json:"recoveredAddress"`
	IsValid          bool           `json:"isValid"`
}

// errInapplicable signals that a strategy could not run to completion and the
// next one should be tried. It never crosses the Verify boundary.
var errInapplicable = errors.New("strategy inapplicable")

const defaultPrimaryType = "TransferWithAuthorization"

var transferTypeHash = crypto.Keccak256Hash([]byte(
	"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
))

// Verifier checks authorization signatures against their typed data.
type Verifier struct {
	log *zap.Logger
	now func() time.Time
}

func NewVerifier(log *zap.Logger) *Verifier {
	return &Verifier{log: log, now: time.Now}
}

type strategy func(*Input) (*Proof, error)

// Verify recovers the signer of the input's typed data and compares it to
// message.from. The validity window is a hard gate checked before any
// cryptographic work. A signer mismatch is a Proof with IsValid=false; a
// structural failure (unparseable bounds, malformed signature or types) is a
// nil Proof with an error. Verify never panics.
func (vr *Verifier) Verify(in *Input) (*Proof, error) {
	validAfter, validBefore, err := in.TypedData.Message.ValidityWindow()
	if err != nil {
		return nil, err
	}
	now := vr.now().Unix()
	if now < validAfter {
		return nil, fmt.Errorf("authorization not yet valid: now=%d validAfter=%d", now, validAfter)
	}
	if now > validBefore {
		return nil, fmt.Errorf("authorization expired: now=%d validBefore=%d", now, validBefore)
	}

	var lastErr error
	for _, s := range []strategy{vr.recoverTypedData, vr.recoverManual} {
		proof, err := s(in)
		if err == nil {
			return proof, nil
		}
		if !errors.Is(err, errInapplicable) {
			return nil, err
		}
		vr.log.Debug("recovery strategy inapplicable", zap.Error(err))
		lastErr = err
	}
	return nil, lastErr
}

// recoverTypedData is the library path: hash (domain, types, message) with the
// go-ethereum typed-data encoder and recover from the full 65-byte signature.
// It succeeds only when the recovered address matches message.from; both a
// hashing failure and a mismatch defer to the manual path.
func (vr *Verifier) recoverTypedData(in *Input) (*Proof, error) {
	sig, err := decodeSignature(in.Signature)
	if err != nil || len(sig) != 65 {
		return nil, fmt.Errorf("%w: library path needs a 65-byte signature: %v", errInapplicable, err)
	}

	digest, err := libraryDigest(&in.TypedData)
	if err != nil {
		return nil, fmt.Errorf("%w: typed-data hash: %v", errInapplicable, err)
	}

	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, recSig)
	if err != nil {
		return nil, fmt.Errorf("%w: ecrecover: %v", errInapplicable, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)

	if !strings.EqualFold(recovered.Hex(), in.TypedData.Message.From) {
		return nil, fmt.Errorf("%w: typed-data path recovered %s, expected %s",
			errInapplicable, recovered.Hex(), in.TypedData.Message.From)
	}

	return &Proof{
		V:                normalizeV(sig[64]),
		R:                common.BytesToHash(sig[0:32]),
		S:                common.BytesToHash(sig[32:64]),
		RecoveredAddress: recovered,
		IsValid:          true,
	}, nil
}

// recoverManual splits the signature into r/s/v by hand, recomputes the
// TransferWithAuthorization digest from the domain fields alone, and recovers
// the address. This path is terminal: a mismatch is reported as IsValid=false
// rather than deferred.
func (vr *Verifier) recoverManual(in *Input) (*Proof, error) {
	sig, err := decodeSignature(in.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) < 64 {
		return nil, fmt.Errorf("signature too short: %d bytes", len(sig))
	}
	if len(sig) != 65 {
		vr.log.Warn("unusual signature length, attempting recovery anyway", zap.Int("bytes", len(sig)))
	}

	r := common.BytesToHash(sig[0:32])
	s := common.BytesToHash(sig[32:64])
	v := byte(0x1b) // missing recovery id defaults to 27
	if len(sig) >= 65 {
		v = sig[64]
	}
	v = normalizeV(v)

	digest, err := manualDigest(&in.TypedData)
	if err != nil {
		return nil, fmt.Errorf("recompute digest: %w", err)
	}

	recSig := make([]byte, 65)
	copy(recSig[0:32], r[:])
	copy(recSig[32:64], s[:])
	recSig[64] = v - 27
	pub, err := crypto.SigToPub(digest, recSig)
	if err != nil {
		return nil, fmt.Errorf("ecrecover: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)

	isValid := strings.EqualFold(recovered.Hex(), in.TypedData.Message.From)
	if !isValid {
		vr.log.Warn("signature does not match from address",
			zap.String("expected", in.TypedData.Message.From),
			zap.String("recovered", recovered.Hex()),
		)
	}

	return &Proof{
		V:                v,
		R:                r,
		S:                s,
		RecoveredAddress: recovered,
		IsValid:          isValid,
	}, nil
}

// libraryDigest builds the EIP-712 digest with the apitypes encoder, using
// the type dictionary exactly as the wallet supplied it.
func libraryDigest(td *TypedData) ([]byte, error) {
	primaryType := td.PrimaryType
	if primaryType == "" {
		primaryType = defaultPrimaryType
	}

	typed := apitypes.TypedData{
		Types:       make(apitypes.Types, len(td.Types)+1),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              td.Domain.Name,
			Version:           td.Domain.Version,
			ChainId:           math.NewHexOrDecimal256(int64(td.Domain.ChainID)),
			VerifyingContract: td.Domain.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        td.Message.From,
			"to":          td.Message.To,
			"value":       string(td.Message.Value),
			"validAfter":  string(td.Message.ValidAfter),
			"validBefore": string(td.Message.ValidBefore),
			"nonce":       td.Message.Nonce,
		},
	}
	for name, fields := range td.Types {
		converted := make([]apitypes.Type, len(fields))
		for i, f := range fields {
			converted[i] = apitypes.Type{Name: f.Name, Type: f.Type}
		}
		typed.Types[name] = converted
	}
	if _, ok := typed.Types["EIP712Domain"]; !ok {
		typed.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	structHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, fmt.Errorf("hash struct: %w", err)
	}
	separator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}

	raw := make([]byte, 0, 2+32+32)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, separator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// manualDigest recomputes the canonical TransferWithAuthorization digest
// without consulting the supplied type dictionary.
func manualDigest(td *TypedData) ([]byte, error) {
	value, ok := new(big.Int).SetString(string(td.Message.Value), 10)
	if !ok {
		return nil, fmt.Errorf("invalid value: %q", td.Message.Value)
	}
	validAfter, ok := new(big.Int).SetString(string(td.Message.ValidAfter), 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %q", td.Message.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(string(td.Message.ValidBefore), 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %q", td.Message.ValidBefore)
	}
	nonce, err := hex.DecodeString(strings.TrimPrefix(td.Message.Nonce, "0x"))
	if err != nil || len(nonce) != 32 {
		return nil, fmt.Errorf("nonce is not a 32-byte hex token: %q", td.Message.Nonce)
	}

	// structHash = keccak256(typeHash || abi.encode(fields))
	encoded := make([]byte, 7*32)
	copy(encoded[0:32], transferTypeHash[:])
	copy(encoded[44:64], common.HexToAddress(td.Message.From).Bytes())
	copy(encoded[76:96], common.HexToAddress(td.Message.To).Bytes())
	value.FillBytes(encoded[96:128])
	validAfter.FillBytes(encoded[128:160])
	validBefore.FillBytes(encoded[160:192])
	copy(encoded[192:224], nonce)
	structHash := crypto.Keccak256Hash(encoded)

	sep := domainSeparator(&td.Domain)

	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256(msg), nil
}

// domainSeparator computes the EIP-712 domain separator for the input domain.
func domainSeparator(d *Domain) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	new(big.Int).SetUint64(uint64(d.ChainID)).FillBytes(encoded[96:128])
	copy(encoded[140:160], common.HexToAddress(d.VerifyingContract).Bytes())

	return crypto.Keccak256Hash(encoded)
}

func decodeSignature(sigHex string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
}

// normalizeV maps wallet recovery ids {0,1} onto the Solidity convention {27,28}.
func normalizeV(v byte) byte {
	if v == 0 || v == 1 {
		return v + 27
	}
	return v
}
