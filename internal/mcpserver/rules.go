package mcpserver

// EligibilityRules describes how a vault moves from enumeration to an
// automatic repayment, for LLM consumers reading cycle results.
const EligibilityRules = `# Auto-Repayment Eligibility Rules

Each cycle walks every vault registered with the VaultManager and applies
two gates before anything is sent on-chain.

## Phase 1: cheap filter (no oracle)

A vault is a candidate only when all of these hold, checked in this order:

1. debt > 0                        reason: "no debt borrowed"
2. pendingYield >= minYield        reason: "yield too low"
3. vault is active                 reason: "vault inactive"
4. minimum check interval elapsed  reason: "not ready yet (time interval)"

## Phase 2: health check (fresh oracle price)

healthFactor = floor(collateralValue * 100 / debt)

- A zero collateral value excludes the vault ("zero collateral value").
- An oracle error excludes the vault ("price lookup failed").
- healthFactor below the configured minimum excludes the vault
  ("health factor below threshold").

Prices are fetched again every cycle; a decision is never based on a price
read before the vault became a candidate.

## Phase 3: submission

Eligible vaults are dry-run first. A rejected dry-run is recorded as
"simulation_rejected" with the ledger's revert reason and nothing is sent.
Otherwise one processAutoRepayment transaction is sent and mined before the
next vault is attempted. Outcomes: submitted, simulation_rejected, failed,
reverted, deferred (per-cycle cap reached), ineligible (journal only).
`
