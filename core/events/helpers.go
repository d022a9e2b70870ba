package events

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func formatAmount(value *uint256.Int) string {
	if value == nil {
		return "0"
	}
	return value.Dec()
}

func formatAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func formatUint(value uint64) string {
	return strconv.FormatUint(value, 10)
}
