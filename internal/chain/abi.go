package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// marketABIJSON is the settlement contract surface: the request lifecycle
// calls plus the events the daemon polls for.
const marketABIJSON = `[
  {"type":"function","name":"createRequest","inputs":[{"name":"payloadCid","type":"string"},{"name":"price","type":"uint256"},{"name":"deadline","type":"uint64"},{"name":"sellerAgentId","type":"uint256"}],"outputs":[{"name":"requestId","type":"uint256"}],"stateMutability":"nonpayable"},
  {"type":"function","name":"submitResponse","inputs":[{"name":"requestId","type":"uint256"},{"name":"payloadCid","type":"string"},{"name":"secretDigest","type":"bytes32"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"requestValidation","inputs":[{"name":"requestId","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"submitValidation","inputs":[{"name":"requestId","type":"uint256"},{"name":"passed","type":"bool"},{"name":"score","type":"uint8"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"claim","inputs":[{"name":"requestId","type":"uint256"},{"name":"secret","type":"bytes32"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"cancel","inputs":[{"name":"requestId","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"expire","inputs":[{"name":"requestId","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"withdraw","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"requests","inputs":[{"name":"requestId","type":"uint256"}],"outputs":[{"name":"buyer","type":"address"},{"name":"sellerAgentId","type":"uint256"},{"name":"payloadCid","type":"string"},{"name":"price","type":"uint256"},{"name":"deadline","type":"uint64"},{"name":"status","type":"uint8"},{"name":"secretDigest","type":"bytes32"}],"stateMutability":"view"},
  {"type":"event","name":"RequestCreated","inputs":[{"name":"requestId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"sellerAgentId","type":"uint256","indexed":false},{"name":"payloadCid","type":"string","indexed":false},{"name":"price","type":"uint256","indexed":false},{"name":"deadline","type":"uint64","indexed":false}]},
  {"type":"event","name":"ResponseSubmitted","inputs":[{"name":"requestId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"payloadCid","type":"string","indexed":false},{"name":"secretDigest","type":"bytes32","indexed":false}]},
  {"type":"event","name":"RequestValidated","inputs":[{"name":"requestId","type":"uint256","indexed":true}]},
  {"type":"event","name":"ValidationRecorded","inputs":[{"name":"requestId","type":"uint256","indexed":true},{"name":"validator","type":"address","indexed":true},{"name":"passed","type":"bool","indexed":false},{"name":"score","type":"uint8","indexed":false}]},
  {"type":"event","name":"RequestClaimed","inputs":[{"name":"requestId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"sellerAmount","type":"uint256","indexed":false},{"name":"validatorAmount","type":"uint256","indexed":false}]},
  {"type":"event","name":"RequestCancelled","inputs":[{"name":"requestId","type":"uint256","indexed":true}]},
  {"type":"event","name":"RequestExpired","inputs":[{"name":"requestId","type":"uint256","indexed":true}]}
]`

// registryABIJSON is the identity registry: one soulbound token per agent,
// with a content locator for the off-chain profile document.
const registryABIJSON = `[
  {"type":"function","name":"register","inputs":[{"name":"agentURI","type":"string"}],"outputs":[{"name":"agentId","type":"uint256"}],"stateMutability":"nonpayable"},
  {"type":"function","name":"agentOf","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
  {"type":"function","name":"agentURI","inputs":[{"name":"agentId","type":"uint256"}],"outputs":[{"name":"","type":"string"}],"stateMutability":"view"},
  {"type":"function","name":"setAgentURI","inputs":[{"name":"agentId","type":"uint256"},{"name":"agentURI","type":"string"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"event","name":"AgentRegistered","inputs":[{"name":"agentId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"agentURI","type":"string","indexed":false}]}
]`

// tokenABIJSON is the minimal ERC-20 surface needed by the payment flow.
const tokenABIJSON = `[
  {"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
  {"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
  {"type":"function","name":"allowance","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
  {"type":"function","name":"decimals","inputs":[],"outputs":[{"name":"","type":"uint8"}],"stateMutability":"view"}
]`

var (
	marketABI   = mustParseABI(marketABIJSON)
	registryABI = mustParseABI(registryABIJSON)
	tokenABI    = mustParseABI(tokenABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("invalid contract ABI: " + err.Error())
	}
	return parsed
}
