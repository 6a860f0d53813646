package contracts

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// EscrowABI is the interface of the order escrow contract. Funds are held per
// order key and can leave exactly once, either to the seller or back to the buyer.
const EscrowABI = `[
  {"type":"function","name":"lock","stateMutability":"payable","inputs":[
    {"name":"orderKey","type":"bytes32"},
    {"name":"buyer","type":"address"},
    {"name":"seller","type":"address"}],"outputs":[]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[
    {"name":"orderKey","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
    {"name":"orderKey","type":"bytes32"}],"outputs":[]}
]`

// BadgeABI is the interface of the ERC-721 badge contract.
const BadgeABI = `[
  {"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[
    {"name":"to","type":"address"},
    {"name":"uri","type":"string"},
    {"name":"royaltyBps","type":"uint96"}],"outputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"function","name":"verifyCollection","stateMutability":"nonpayable","inputs":[
    {"name":"tokenId","type":"uint256"},
    {"name":"collection","type":"address"}],"outputs":[]},
  {"type":"function","name":"isCollectionVerified","stateMutability":"view","inputs":[
    {"name":"tokenId","type":"uint256"},
    {"name":"collection","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[
    {"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}]}
]`

var (
	Escrow = mustParse(EscrowABI)
	Badge  = mustParse(BadgeABI)
)

var ErrNoMintEvent = errors.New("receipt has no mint transfer event")

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("parse abi: " + err.Error())
	}
	return parsed
}

// OrderKey derives the escrow slot key for a marketplace order id.
func OrderKey(orderID string) [32]byte {
	return crypto.Keccak256Hash([]byte(orderID))
}

// MintedTokenID finds the token id of the Transfer(0x0, to, id) event emitted by
// the badge contract.
func MintedTokenID(logs []*types.Log, badge common.Address) (*big.Int, error) {
	transferID := Badge.Events["Transfer"].ID
	for _, l := range logs {
		if l == nil || l.Address != badge || len(l.Topics) != 4 {
			continue
		}
		if l.Topics[0] != transferID || l.Topics[1] != (common.Hash{}) {
			continue
		}
		return l.Topics[3].Big(), nil
	}
	return nil, ErrNoMintEvent
}

// TransferLog builds the log a badge contract emits for a mint. Used by ledger fakes.
func TransferLog(badge, to common.Address, tokenID *big.Int) *types.Log {
	return &types.Log{
		Address: badge,
		Topics: []common.Hash{
			Badge.Events["Transfer"].ID,
			{},
			common.BytesToHash(to.Bytes()),
			common.BigToHash(tokenID),
		},
	}
}
