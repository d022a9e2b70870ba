package rpc

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cawnet/core/actions"
	csync "cawnet/core/sync"
	"cawnet/core/types"
)

// SignedAction pairs an action with its EIP-712 signature.
type SignedAction struct {
	Action    types.Action    `json:"action"`
	Signature types.Signature `json:"signature"`
}

// BatchRequest submits actions to one execution layer. Value is the native
// amount attached to pay for withdrawal notices.
type BatchRequest struct {
	Layer       types.Layer      `json:"layer"`
	ValidatorID types.IdentityID `json:"validatorId"`
	Actions     []SignedAction   `json:"actions"`
	Value       *uint256.Int     `json:"value,omitempty"`
}

type RejectionResponse struct {
	Index   int              `json:"index"`
	Type    string           `json:"type"`
	Sender  types.IdentityID `json:"senderId"`
	Cawonce uint32           `json:"cawonce"`
	Reason  actions.Reason   `json:"reason"`
	Message string           `json:"message"`
}

type BatchResponse struct {
	BatchID          string              `json:"batchId"`
	Layer            types.Layer         `json:"layer"`
	Posts            int                 `json:"posts"`
	Interactions     int                 `json:"interactions"`
	UserInteractions int                 `json:"userInteractions"`
	Withdrawals      int                 `json:"withdrawals"`
	Rejections       []RejectionResponse `json:"rejections"`
	WithdrawalFee    csync.Fee           `json:"withdrawalFee"`
}

// IdentityResponse merges the execution view of an identity with its
// canonical record when the canonical layer knows it.
type IdentityResponse struct {
	ID           types.IdentityID `json:"id"`
	Layer        types.Layer      `json:"layer"`
	Balance      *uint256.Int     `json:"balance"`
	BalanceCAW   string           `json:"balanceCaw"`
	NextCawonce  uint32           `json:"nextCawonce"`
	Owner        *common.Address  `json:"owner,omitempty"`
	Clients      []types.ClientID `json:"clients"`
	Handle       string           `json:"handle,omitempty"`
	Canonical    *common.Address  `json:"canonicalOwner,omitempty"`
	Withdrawable *uint256.Int     `json:"withdrawable,omitempty"`
	SyncStatus   string           `json:"syncStatus,omitempty"`
}

type DomainResponse struct {
	Layer             types.Layer    `json:"layer"`
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           uint64         `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

type LayersResponse struct {
	Canonical types.Layer   `json:"canonical"`
	Default   types.Layer   `json:"default"`
	Execution []types.Layer `json:"execution"`
}

type MintRequest struct {
	Owner  common.Address `json:"owner"`
	Handle string         `json:"handle"`
}

type MintResponse struct {
	ID     types.IdentityID `json:"id"`
	Handle string           `json:"handle"`
}

type TransferRequest struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
}

type ClientRequest struct {
	Owner common.Address `json:"owner"`
	Name  string         `json:"name"`
}

type ClientResponse struct {
	ID types.ClientID `json:"id"`
}

// FaucetRequest mints the asset to an account and approves the escrow for it.
type FaucetRequest struct {
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

type DepositRequest struct {
	From       common.Address   `json:"from"`
	Client     types.ClientID   `json:"clientId"`
	ID         types.IdentityID `json:"id"`
	Amount     *uint256.Int     `json:"amount"`
	Layer      types.Layer      `json:"layer"`
	MessageFee *uint256.Int     `json:"messageFee,omitempty"`
	Value      *uint256.Int     `json:"value,omitempty"`
}

type AuthenticateRequest struct {
	From       common.Address   `json:"from"`
	Client     types.ClientID   `json:"clientId"`
	ID         types.IdentityID `json:"id"`
	Layer      types.Layer      `json:"layer"`
	MessageFee *uint256.Int     `json:"messageFee,omitempty"`
	Value      *uint256.Int     `json:"value,omitempty"`
}

type ReleaseRequest struct {
	From       common.Address   `json:"from"`
	Client     types.ClientID   `json:"clientId"`
	ID         types.IdentityID `json:"id"`
	MessageFee *uint256.Int     `json:"messageFee,omitempty"`
	Value      *uint256.Int     `json:"value,omitempty"`
}

type ReleaseResponse struct {
	ID     types.IdentityID `json:"id"`
	Amount *uint256.Int     `json:"amount"`
}
