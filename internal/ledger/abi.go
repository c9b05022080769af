package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const repaymentEventName = "AutoRepaymentProcessed"

const vaultManagerABI = `[
  {"type":"function","name":"getVaultInfo","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"collateral","type":"uint256"},{"name":"debt","type":"uint256"},
              {"name":"pendingYield","type":"uint256"},{"name":"healthFactor","type":"uint256"},
              {"name":"isActive","type":"bool"},{"name":"isReady","type":"bool"}]},
  {"type":"function","name":"vaults","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"collateralAmount","type":"uint256"},{"name":"debtAmount","type":"uint256"},
              {"name":"lastYieldClaim","type":"uint256"},{"name":"collateralAsset","type":"address"},
              {"name":"isActive","type":"bool"},{"name":"lastAutoCheck","type":"uint256"}]},
  {"type":"function","name":"getAllVaultOwners","stateMutability":"view",
   "inputs":[{"name":"start","type":"uint256"},{"name":"count","type":"uint256"}],
   "outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"totalVaults","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"keepers","stateMutability":"view",
   "inputs":[{"name":"keeper","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"autoCheckInterval","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"minYieldThreshold","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"processAutoRepayment","stateMutability":"nonpayable",
   "inputs":[{"name":"user","type":"address"}],"outputs":[]},
  {"type":"function","name":"processMultipleAutoRepayments","stateMutability":"nonpayable",
   "inputs":[{"name":"users","type":"address[]"}],"outputs":[]},
  {"type":"event","name":"AutoRepaymentProcessed","anonymous":false,
   "inputs":[{"name":"user","type":"address","indexed":true},
             {"name":"yieldUsed","type":"uint256","indexed":false},
             {"name":"debtReduced","type":"uint256","indexed":false}]}
]`

// parsedABI is parsed once; the definition above is a constant.
var parsedABI = mustParseABI(vaultManagerABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("ledger: invalid vault manager abi: " + err.Error())
	}
	return parsed
}
