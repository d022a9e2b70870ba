package main

import (
	"flag"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"cawnet/rpc"
)

func runIdentity(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("identity", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var id, layer uint
	fs.UintVar(&id, "id", 0, "identity to show")
	fs.UintVar(&layer, "layer", 0, "execution layer")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if id == 0 {
		fmt.Fprintln(stderr, "Error: -id is required")
		return 1
	}
	q := url.Values{}
	if layer != 0 {
		q.Set("layer", strconv.FormatUint(uint64(layer), 10))
	}
	var resp rpc.IdentityResponse
	if err := getJSON(fmt.Sprintf("/v1/identities/%d?%s", id, q.Encode()), &resp); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeJSONResult(stdout, resp); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runWithdrawQuote(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("quote-withdraw", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		layer   uint
		ids     string
		amounts string
	)
	fs.UintVar(&layer, "layer", 0, "execution layer")
	fs.StringVar(&ids, "ids", "", "comma separated withdrawing identities")
	fs.StringVar(&amounts, "amounts", "", "comma separated amounts in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	q := url.Values{}
	if layer != 0 {
		q.Set("layer", strconv.FormatUint(uint64(layer), 10))
	}
	q.Set("ids", ids)
	q.Set("amounts", amounts)
	var fee map[string]interface{}
	if err := getJSON("/v1/quotes/withdraw?"+q.Encode(), &fee); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeJSONResult(stdout, fee); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
