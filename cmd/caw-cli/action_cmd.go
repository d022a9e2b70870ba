package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"cawnet/core/actions"
	"cawnet/core/types"
	"cawnet/rpc"
)

func runSign(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		keyRef          string
		layer           uint
		kind            string
		sender          uint
		receiver        uint
		receiverCawonce uint
		client          uint
		cawonce         int64
		text            string
		recipients      string
		amounts         string
	)
	fs.StringVar(&keyRef, "key", "", "hex private key or keystore file of the sender's owner")
	fs.UintVar(&layer, "layer", 0, "execution layer the action targets (0 when the node serves one)")
	fs.StringVar(&kind, "type", "caw", "caw, like, unlike, recaw, follow, unfollow, withdraw or noop")
	fs.UintVar(&sender, "sender", 0, "sender identity")
	fs.UintVar(&receiver, "receiver", 0, "receiver identity")
	fs.UintVar(&receiverCawonce, "receiver-cawonce", 0, "cawonce of the caw being liked or recawed")
	fs.UintVar(&client, "client", 0, "client id")
	fs.Int64Var(&cawonce, "cawonce", -1, "cawonce to sign; fetched from the node when negative")
	fs.StringVar(&text, "text", "", "caw text")
	fs.StringVar(&recipients, "recipients", "", "comma separated recipient identities")
	fs.StringVar(&amounts, "amounts", "", "comma separated amounts in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if sender == 0 {
		fmt.Fprintln(stderr, "Error: -sender is required")
		return 1
	}
	actionType, err := types.ParseActionType(kind)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	key, err := loadKey(keyRef)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	action := types.Action{
		Type:            actionType,
		SenderID:        types.IdentityID(sender),
		ReceiverID:      types.IdentityID(receiver),
		ReceiverCawonce: uint32(receiverCawonce),
		ClientID:        types.ClientID(client),
		Text:            text,
	}
	if action.Recipients, err = parseIDs(recipients); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if action.Amounts, err = parseAmounts(amounts); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if actionType == types.ActionWithdraw && len(action.Recipients) == 0 && len(action.Amounts) == 1 {
		action.Recipients = []types.IdentityID{action.SenderID}
	}

	layerQuery := url.Values{}
	if layer != 0 {
		layerQuery.Set("layer", strconv.FormatUint(uint64(layer), 10))
	}
	var domain rpc.DomainResponse
	if err := getJSON("/v1/domain?"+layerQuery.Encode(), &domain); err != nil {
		fmt.Fprintf(stderr, "Error: fetch domain: %v\n", err)
		return 1
	}
	if cawonce < 0 {
		var identity rpc.IdentityResponse
		path := fmt.Sprintf("/v1/identities/%d?%s", sender, layerQuery.Encode())
		if err := getJSON(path, &identity); err != nil {
			fmt.Fprintf(stderr, "Error: fetch cawonce: %v\n", err)
			return 1
		}
		action.Cawonce = identity.NextCawonce
	} else {
		action.Cawonce = uint32(cawonce)
	}

	sig, err := actions.Sign(actions.Domain{
		Name:              domain.Name,
		Version:           domain.Version,
		ChainID:           domain.ChainID,
		VerifyingContract: domain.VerifyingContract,
	}, action, key.PrivateKey)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeJSONResult(stdout, rpc.SignedAction{Action: action, Signature: sig}); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runSubmit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		layer     uint
		validator uint
		value     string
	)
	fs.UintVar(&layer, "layer", 0, "execution layer")
	fs.UintVar(&validator, "validator", 0, "validator identity")
	fs.StringVar(&value, "value", "", "native value attached for withdrawal notices; quoted when empty")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "Error: provide at least one file of signed actions")
		return 1
	}
	var batch []rpc.SignedAction
	for _, path := range fs.Args() {
		signed, err := readSignedActions(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
			return 1
		}
		batch = append(batch, signed...)
	}
	req := rpc.BatchRequest{
		Layer:       types.Layer(layer),
		ValidatorID: types.IdentityID(validator),
		Actions:     batch,
	}
	if strings.TrimSpace(value) != "" {
		amount, err := types.ParseAmount(value)
		if err != nil {
			fmt.Fprintf(stderr, "Error: invalid -value: %v\n", err)
			return 1
		}
		req.Value = amount
	} else if fee, err := quoteBatch(req); err != nil {
		fmt.Fprintf(stderr, "Error: quote withdrawals: %v\n", err)
		return 1
	} else {
		req.Value = fee
	}
	var resp rpc.BatchResponse
	if err := postJSON("/v1/batches", req, &resp, true); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeJSONResult(stdout, resp); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// quoteBatch prices the withdrawal notice the batch will send, if any.
func quoteBatch(req rpc.BatchRequest) (*uint256.Int, error) {
	var ids, amounts []string
	for _, signed := range req.Actions {
		if signed.Action.Type != types.ActionWithdraw {
			continue
		}
		amount := signed.Action.WithdrawAmount()
		if amount.IsZero() {
			continue
		}
		ids = append(ids, signed.Action.SenderID.String())
		amounts = append(amounts, amount.Dec())
	}
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	if req.Layer != 0 {
		q.Set("layer", req.Layer.String())
	}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("amounts", strings.Join(amounts, ","))
	var fee struct {
		Native *uint256.Int `json:"native"`
	}
	if err := getJSON("/v1/quotes/withdraw?"+q.Encode(), &fee); err != nil {
		return nil, err
	}
	return fee.Native, nil
}

// readSignedActions accepts a single signed action or an array of them.
func readSignedActions(path string) ([]rpc.SignedAction, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var out []rpc.SignedAction
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var one rpc.SignedAction
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []rpc.SignedAction{one}, nil
}

func parseIDs(raw string) ([]types.IdentityID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]types.IdentityID, len(parts))
	for i, part := range parts {
		id, err := types.ParseIdentityID(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func parseAmounts(raw string) ([]*uint256.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*uint256.Int, len(parts))
	for i, part := range parts {
		amount, err := types.ParseAmount(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", part, err)
		}
		out[i] = amount
	}
	return out, nil
}
