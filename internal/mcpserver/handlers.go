package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/walletrisk/internal/risk"
	"github.com/mbd888/walletrisk/internal/snapshot"
	"github.com/mbd888/walletrisk/internal/validation"
)

const (
	defaultHistoryLimit = 10
	defaultTopWallets   = 10
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *RiskClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *RiskClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetWalletRisk returns the latest score for one wallet.
func (h *Handlers) HandleGetWalletRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address, errResult := addressArg(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.GetWalletRisk(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get wallet risk: %v", err)), nil
	}

	var resp struct {
		Score snapshot.Score `json:"score"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse score: %v", err)), nil
	}

	return mcp.NewToolResultText(formatScore(resp.Score)), nil
}

// HandleGetWalletRiskHistory returns a wallet's score trend.
func (h *Handlers) HandleGetWalletRiskHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address, errResult := addressArg(req)
	if errResult != nil {
		return errResult, nil
	}
	limit := req.GetInt("limit", defaultHistoryLimit)

	raw, err := h.client.GetWalletRiskHistory(ctx, address, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk history: %v", err)), nil
	}

	var resp struct {
		Scores []snapshot.Score `json:"scores"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	return mcp.NewToolResultText(formatHistory(strings.ToLower(address), resp.Scores)), nil
}

// HandleGetLatestRun summarizes the newest scoring run.
func (h *Handlers) HandleGetLatestRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	top := req.GetInt("top", defaultTopWallets)

	raw, err := h.client.GetLatestRun(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get latest run: %v", err)), nil
	}

	var resp struct {
		Run    snapshot.Run     `json:"run"`
		Scores []snapshot.Score `json:"scores"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse run: %v", err)), nil
	}

	return mcp.NewToolResultText(formatRun(resp.Run, resp.Scores, top)), nil
}

// HandleScoreTransactions scores an inline transaction batch.
func (h *Handlers) HandleScoreTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txJSON := strings.TrimSpace(req.GetString("transactions_json", ""))
	if txJSON == "" {
		return mcp.NewToolResultError("transactions_json is required"), nil
	}

	payload, err := buildScorePayload(txJSON, req.GetString("wallets", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.ScoreTransactions(ctx, payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Scoring failed: %v", err)), nil
	}

	var resp struct {
		Scores []risk.Row `json:"scores"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse scores: %v", err)), nil
	}

	return mcp.NewToolResultText(formatRows(resp.Scores)), nil
}

func addressArg(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	address := strings.TrimSpace(req.GetString("address", ""))
	if address == "" {
		return "", mcp.NewToolResultError("address is required")
	}
	if !validation.IsValidEthAddress(address) {
		return "", mcp.NewToolResultError(fmt.Sprintf("%q is not a valid wallet address", address))
	}
	return address, nil
}

// buildScorePayload accepts either a bare transaction array or a full
// {"transactions": [...], "wallets": [...]} object.
func buildScorePayload(txJSON, wallets string) (json.RawMessage, error) {
	var body struct {
		Transactions json.RawMessage `json:"transactions"`
		Wallets      []string        `json:"wallets,omitempty"`
	}

	switch txJSON[0] {
	case '[':
		body.Transactions = json.RawMessage(txJSON)
	case '{':
		if err := json.Unmarshal([]byte(txJSON), &body); err != nil {
			return nil, fmt.Errorf("transactions_json is not valid JSON: %v", err)
		}
	default:
		return nil, fmt.Errorf("transactions_json must be a JSON array of transactions")
	}
	if !json.Valid(body.Transactions) {
		return nil, fmt.Errorf("transactions_json is not valid JSON")
	}

	for _, w := range strings.Split(wallets, ",") {
		if w = strings.TrimSpace(w); w != "" {
			body.Wallets = append(body.Wallets, w)
		}
	}

	return json.Marshal(body)
}

// --- Formatting helpers ---

func formatScore(s snapshot.Score) string {
	var sb strings.Builder
	sb.WriteString("Wallet Risk:\n")
	fmt.Fprintf(&sb, "  Wallet: %s\n", s.Wallet)
	fmt.Fprintf(&sb, "  Score: %.2f (%s)\n", s.RiskScore, s.Band)
	fmt.Fprintf(&sb, "  Scored: %s (run %s)\n", s.ScoredAt.UTC().Format(time.RFC3339), s.RunID)
	sb.WriteString("\nFeatures:\n")
	sb.WriteString(formatFeatures(s.Features))
	return sb.String()
}

func formatFeatures(f risk.Features) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  Lifetime borrow: %.2f USD\n", f.TotalLifetimeBorrow)
	fmt.Fprintf(&sb, "  Lifetime supply: %.2f USD\n", f.TotalLifetimeSupply)
	fmt.Fprintf(&sb, "  Net position: %.2f USD\n", f.NetPosition)
	fmt.Fprintf(&sb, "  Borrows: %d | Repayment ratio: %.2f\n", f.BorrowFrequency, f.RepaymentRatio)
	fmt.Fprintf(&sb, "  Liquidations: %d", f.LiquidationCount)
	if f.LiquidationCount > 0 {
		fmt.Fprintf(&sb, " (last %s ago)", (time.Duration(f.TimeSinceLastLiquidation) * time.Second).String())
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Avg health factor: %.2f\n", f.AverageHealthFactor)
	fmt.Fprintf(&sb, "  Collateral assets: %d | Position volatility: %.2f\n", f.CollateralDiversity, f.PositionSizeVolatility)
	return sb.String()
}

func formatHistory(address string, scores []snapshot.Score) string {
	if len(scores) == 0 {
		return fmt.Sprintf("No score history for %s.", address)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk history for %s (%d run(s), newest first):\n", address, len(scores))
	for i, s := range scores {
		fmt.Fprintf(&sb, "  %s  %7.2f  %s", s.ScoredAt.UTC().Format(time.RFC3339), s.RiskScore, s.Band)
		if i+1 < len(scores) {
			fmt.Fprintf(&sb, "  (%+.2f)", s.RiskScore-scores[i+1].RiskScore)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatRun(run snapshot.Run, scores []snapshot.Score, top int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Latest run %s (%s):\n", run.ID, run.Source)
	fmt.Fprintf(&sb, "  Finished: %s (took %s)\n",
		run.FinishedAt.UTC().Format(time.RFC3339), run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&sb, "  Wallets: %d | Extracted: %d | No activity: %d | Failed: %d\n",
		run.Wallets, run.Extracted, run.DefaultEmpty, run.DefaultFailed)

	bands := make(map[risk.Band]int)
	for _, s := range scores {
		bands[s.Band]++
	}
	fmt.Fprintf(&sb, "  Bands: low %d | moderate %d | high %d | critical %d\n",
		bands[risk.BandLow], bands[risk.BandModerate], bands[risk.BandHigh], bands[risk.BandCritical])

	if top <= 0 || len(scores) == 0 {
		return sb.String()
	}
	ranked := slices.Clone(scores)
	slices.SortStableFunc(ranked, func(a, b snapshot.Score) int {
		return cmpDesc(a.RiskScore, b.RiskScore)
	})
	ranked = ranked[:min(top, len(ranked))]

	fmt.Fprintf(&sb, "\nRiskiest %d wallet(s):\n", len(ranked))
	for i, s := range ranked {
		fmt.Fprintf(&sb, "%d. %s  %.2f (%s)\n", i+1, s.Wallet, s.RiskScore, s.Band)
	}
	return sb.String()
}

func formatRows(rows []risk.Row) string {
	if len(rows) == 0 {
		return "No wallets were scored."
	}
	ranked := slices.Clone(rows)
	slices.SortStableFunc(ranked, func(a, b risk.Row) int {
		return cmpDesc(a.RiskScore, b.RiskScore)
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "Scored %d wallet(s), riskiest first:\n\n", len(ranked))
	for i, r := range ranked {
		fmt.Fprintf(&sb, "%d. %s  %.2f (%s)\n", i+1, r.Wallet, r.RiskScore, r.Band)
		fmt.Fprintf(&sb, "   borrows %d | repaid %.2f | liquidations %d | health %.2f\n",
			r.Features.BorrowFrequency, r.Features.RepaymentRatio, r.Features.LiquidationCount, r.Features.AverageHealthFactor)
	}
	return sb.String()
}

func cmpDesc(a, b float64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}
