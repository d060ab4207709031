package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the walletrisk MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetWalletRisk = mcp.NewTool("get_wallet_risk",
	mcp.WithDescription(
		"Get the latest credit risk score (0-1000, higher is riskier) for a DeFi lending wallet. "+
			"Returns the score, its band (low/moderate/high/critical) and the behavioral features behind it."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The wallet address (e.g. '0x1234...')")),
)

var ToolGetWalletRiskHistory = mcp.NewTool("get_wallet_risk_history",
	mcp.WithDescription(
		"Get how a wallet's risk score changed across past scoring runs, newest first. "+
			"Use this to spot wallets trending toward higher risk."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The wallet address (e.g. '0x1234...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of past scores to return (default 10)")),
)

var ToolGetLatestRun = mcp.NewTool("get_latest_run",
	mcp.WithDescription(
		"Summarize the most recent batch scoring run: when it ran, how many wallets were scored, "+
			"how many fell back to default features, and the riskiest wallets."),
	mcp.WithNumber("top",
		mcp.Description("How many of the riskiest wallets to list (default 10)")),
)

var ToolScoreTransactions = mcp.NewTool("score_transactions",
	mcp.WithDescription(
		"Score an ad-hoc batch of lending transactions without storing anything. "+
			"Scores are relative to the wallets in the batch, so include a representative population."),
	mcp.WithString("transactions_json",
		mcp.Required(),
		mcp.Description("JSON array of transactions, each shaped like "+
			"{\"userWallet\": \"0x..\", \"action\": \"deposit|borrow|repay|liquidation\", "+
			"\"actionData\": {\"amount\": \"1000\", \"assetSymbol\": \"WETH\", \"assetPriceUSD\": \"2000\"}, \"timestamp\": 1700000000}")),
	mcp.WithString("wallets",
		mcp.Description("Optional comma-separated wallet list to score. Defaults to every wallet in the transactions.")),
)
