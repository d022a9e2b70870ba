package actions

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"cawnet/core/types"
)

// Domain is the EIP-712 domain actions are signed under.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

const (
	primaryCawAction       = "CawAction"
	primaryCawInteraction  = "CawInteraction"
	primaryUserInteraction = "UserInteraction"
	primaryWithdrawAction  = "WithdrawAction"
)

var (
	domainFields = []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
	headFields = []apitypes.Type{
		{Name: "actionType", Type: "uint8"},
		{Name: "senderId", Type: "uint32"},
	}
	tailFields = []apitypes.Type{
		{Name: "clientId", Type: "uint32"},
		{Name: "cawonce", Type: "uint32"},
		{Name: "recipients", Type: "uint32[]"},
		{Name: "amounts", Type: "uint128[]"},
	}
	receiverField        = apitypes.Type{Name: "receiverId", Type: "uint32"}
	receiverCawonceField = apitypes.Type{Name: "receiverCawonce", Type: "uint32"}
	textField            = apitypes.Type{Name: "text", Type: "string"}
)

func fields(parts ...[]apitypes.Type) []apitypes.Type {
	var out []apitypes.Type
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}

// primaryType returns the struct name and field list a given action type is
// signed with.
func primaryType(actionType types.ActionType) (string, []apitypes.Type) {
	switch actionType.Bucket() {
	case types.BucketPosts:
		return primaryCawAction, fields(headFields, []apitypes.Type{receiverField, receiverCawonceField}, tailFields, []apitypes.Type{textField})
	case types.BucketInteractions:
		return primaryCawInteraction, fields(headFields, []apitypes.Type{receiverField, receiverCawonceField}, tailFields)
	case types.BucketUserInteractions:
		return primaryUserInteraction, fields(headFields, []apitypes.Type{receiverField}, tailFields)
	default:
		return primaryWithdrawAction, fields(headFields, tailFields)
	}
}

// TypedData renders an action as EIP-712 typed data.
func TypedData(domain Domain, action types.Action) apitypes.TypedData {
	name, structFields := primaryType(action.Type)

	recipients := make([]interface{}, len(action.Recipients))
	for i, id := range action.Recipients {
		recipients[i] = new(big.Int).SetUint64(uint64(id))
	}
	amounts := make([]interface{}, len(action.Amounts))
	for i, amount := range action.Amounts {
		if amount == nil {
			amounts[i] = new(big.Int)
			continue
		}
		amounts[i] = amount.ToBig()
	}
	values := map[string]interface{}{
		"actionType":      new(big.Int).SetUint64(uint64(action.Type)),
		"senderId":        new(big.Int).SetUint64(uint64(action.SenderID)),
		"receiverId":      new(big.Int).SetUint64(uint64(action.ReceiverID)),
		"receiverCawonce": new(big.Int).SetUint64(uint64(action.ReceiverCawonce)),
		"clientId":        new(big.Int).SetUint64(uint64(action.ClientID)),
		"cawonce":         new(big.Int).SetUint64(uint64(action.Cawonce)),
		"recipients":      recipients,
		"amounts":         amounts,
		"text":            action.Text,
	}
	message := apitypes.TypedDataMessage{}
	for _, field := range structFields {
		message[field.Name] = values[field.Name]
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			name:           structFields,
		},
		PrimaryType: name,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(domain.ChainID)),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: message,
	}
}

// Hash returns the EIP-712 digest a sender signs for action.
func Hash(domain Domain, action types.Action) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(TypedData(domain, action))
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash %s action: %w", action.Type, err)
	}
	return common.BytesToHash(digest), nil
}

// Sign produces the signature a client attaches to action.
func Sign(domain Domain, action types.Action, key *ecdsa.PrivateKey) (types.Signature, error) {
	digest, err := Hash(domain, action)
	if err != nil {
		return types.Signature{}, err
	}
	raw, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return types.Signature{}, fmt.Errorf("sign action: %w", err)
	}
	return types.SignatureFromBytes(raw)
}

// Recover returns the address that signed action.
func Recover(domain Domain, action types.Action, sig types.Signature) (common.Address, error) {
	if sig.V != 27 && sig.V != 28 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig.V)
	}
	// Homestead rules reject the malleable upper-half s value.
	if !crypto.ValidateSignatureValues(sig.V-27, new(big.Int).SetBytes(sig.R[:]), new(big.Int).SetBytes(sig.S[:]), true) {
		return common.Address{}, fmt.Errorf("invalid signature values")
	}
	digest, err := Hash(domain, action)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig.RecoveryBytes())
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
