package escrow

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// escrowABIJSON is the subset of the TaskWiserEscrow ABI the coordinator uses.
const escrowABIJSON = `[
 {"type":"function","name":"lockEscrow","stateMutability":"nonpayable","inputs":[
  {"name":"taskId","type":"bytes32"},{"name":"token","type":"address"},
  {"name":"assignee","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"releaseEscrow","stateMutability":"nonpayable","inputs":[
  {"name":"taskId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"releaseEscrowByAdmin","stateMutability":"nonpayable","inputs":[
  {"name":"taskId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"retrieveEscrow","stateMutability":"nonpayable","inputs":[
  {"name":"taskId","type":"bytes32"},{"name":"reason","type":"string"}],"outputs":[]},
 {"type":"function","name":"refundEscrowByAssignee","stateMutability":"nonpayable","inputs":[
  {"name":"taskId","type":"bytes32"},{"name":"reason","type":"string"}],"outputs":[]},
 {"type":"function","name":"getEscrow","stateMutability":"view","inputs":[
  {"name":"taskId","type":"bytes32"}],"outputs":[
  {"name":"","type":"tuple","components":[
   {"name":"taskId","type":"bytes32"},{"name":"token","type":"address"},
   {"name":"admin","type":"address"},{"name":"assignee","type":"address"},
   {"name":"amount","type":"uint256"},{"name":"status","type":"uint8"},
   {"name":"lockedAt","type":"uint256"},{"name":"releasedAt","type":"uint256"}]}]},
 {"type":"function","name":"isEscrowLocked","stateMutability":"view","inputs":[
  {"name":"taskId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getEscrowStatus","stateMutability":"view","inputs":[
  {"name":"taskId","type":"bytes32"}],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"event","name":"EscrowLocked","anonymous":false,"inputs":[
  {"name":"taskId","type":"bytes32","indexed":true},{"name":"token","type":"address","indexed":true},
  {"name":"admin","type":"address","indexed":true},{"name":"assignee","type":"address","indexed":false},
  {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"EscrowReleased","anonymous":false,"inputs":[
  {"name":"taskId","type":"bytes32","indexed":true},{"name":"assignee","type":"address","indexed":true},
  {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"EscrowRefunded","anonymous":false,"inputs":[
  {"name":"taskId","type":"bytes32","indexed":true},{"name":"admin","type":"address","indexed":true},
  {"name":"amount","type":"uint256","indexed":false},{"name":"reason","type":"string","indexed":false}]},
 {"type":"event","name":"EscrowRefundedByAssignee","anonymous":false,"inputs":[
  {"name":"taskId","type":"bytes32","indexed":true},{"name":"assignee","type":"address","indexed":true},
  {"name":"admin","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},
  {"name":"reason","type":"string","indexed":false}]}
]`

const erc20ABIJSON = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
  {"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[
  {"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
  {"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	// EscrowABI is the parsed escrow contract interface.
	EscrowABI = mustParseABI(escrowABIJSON)
	// ERC20ABI is the parsed token interface used for approvals.
	ERC20ABI = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
