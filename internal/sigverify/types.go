package sigverify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Input is the parsed body of a signature check request: the EIP-712 typed
// data the wallet signed plus the 65-byte signature.
type Input struct {
	Signature string    `json:"sig"`
	TypedData TypedData `json:"EIP712"`
}

// TypedData mirrors the EIP-712 envelope produced by wallets.
type TypedData struct {
	Types       TypeMap `json:"types"`
	PrimaryType string  `json:"primaryType"`
	Domain      Domain  `json:"domain"`
	Message     Message `json:"message"`
}

// TypeField is one field of an EIP-712 struct definition.
type TypeField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TypeMap is the EIP-712 type dictionary. Some wallets serialize it as a JSON
// string instead of an object; both encodings are accepted.
type TypeMap map[string][]TypeField

func (m *TypeMap) UnmarshalJSON(data []byte) error {
	// String-serialized form: unwrap, then parse the inner JSON.
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return fmt.Errorf("unwrap types string: %w", err)
		}
		data = []byte(inner)
	}
	var raw map[string][]TypeField
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse types object: %w", err)
	}
	*m = raw
	return nil
}

// Domain is the EIP-712 domain separator. ChainID tolerates both string and
// numeric JSON encodings.
type Domain struct {
	Name              string     `json:"name"`
	Version           string     `json:"version"`
	ChainID           FlexUint64 `json:"chainId"`
	VerifyingContract string     `json:"verifyingContract"`
}

// Message is the TransferWithAuthorization payload. Value and the validity
// bounds tolerate both string and numeric JSON encodings.
type Message struct {
	From        string     `json:"from"`
	To          string     `json:"to"`
	Value       FlexString `json:"value"`
	ValidAfter  FlexString `json:"validAfter"`
	ValidBefore FlexString `json:"validBefore"`
	Nonce       string     `json:"nonce"`
}

// FlexString is a decimal string that also accepts a JSON number.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// FlexUint64 is a uint64 that also accepts a JSON string encoding.
type FlexUint64 uint64

func (f *FlexUint64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse chainId %q: %w", s, err)
	}
	*f = FlexUint64(v)
	return nil
}

// ParseInput decodes and validates a signature check request. It fails closed:
// any missing or structurally invalid field is a hard error, never a probe.
func ParseInput(raw []byte) (*Input, error) {
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

func (in *Input) validate() error {
	if in.Signature == "" {
		return fmt.Errorf("input missing sig")
	}
	if len(in.TypedData.Types) == 0 {
		return fmt.Errorf("input missing EIP712 types")
	}
	msg := &in.TypedData.Message
	if !common.IsHexAddress(msg.From) {
		return fmt.Errorf("message.from is not an address: %q", msg.From)
	}
	if !common.IsHexAddress(msg.To) {
		return fmt.Errorf("message.to is not an address: %q", msg.To)
	}
	if msg.Nonce == "" {
		return fmt.Errorf("message missing nonce")
	}
	return nil
}

// ValidityWindow parses the message validity bounds as unix seconds.
func (m *Message) ValidityWindow() (validAfter, validBefore int64, err error) {
	validAfter, err = strconv.ParseInt(string(m.ValidAfter), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse validAfter %q: %w", m.ValidAfter, err)
	}
	validBefore, err = strconv.ParseInt(string(m.ValidBefore), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse validBefore %q: %w", m.ValidBefore, err)
	}
	return validAfter, validBefore, nil
}
