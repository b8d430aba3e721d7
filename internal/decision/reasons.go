package decision

// Reason codes form a closed enumeration; every DecisionRecord carries
// exactly one of these. Guard codes are listed in chain order.
const (
	ReasonTradeDisabled = "TRADE_DISABLED"
	ReasonDataMissing   = "DATA_MISSING"
	ReasonCooldown      = "RECENT_ORDERS_COOLDOWN"
	ReasonMaxOpenTrades = "MAX_OPEN_TRADES_REACHED"
	ReasonGuardrail     = "GUARDRAIL_BLOCKED"
	ReasonAllowed       = "ALLOWED"
	ReasonDedupSkipped  = "DEDUP_SKIPPED"
	ReasonCountCheck    = "COUNT_CHECK_ERROR"
	ReasonExchangeAuth  = "EXCHANGE_AUTH_ERROR"
	ReasonExchangeError = "EXCHANGE_TRANSIENT_ERROR"
	ReasonConfigError   = "CONFIG_ERROR"
)
