package risk

import (
	"errors"
	"strings"
)

// ErrDuplicateWallet is returned when a wallet is appended to a table twice.
var ErrDuplicateWallet = errors.New("risk: wallet already in table")

// FeatureRow is one wallet's entry in a FeatureTable.
type FeatureRow struct {
	Wallet   string   `json:"wallet"`
	Features Features `json:"features"`
}

// FeatureTable holds exactly one Features record per wallet, in insertion
// order. Wallet keys are lower-cased. Rows are append-only.
type FeatureTable struct {
	rows  []FeatureRow
	index map[string]int
}

// NewFeatureTable creates an empty table.
func NewFeatureTable() *FeatureTable {
	return &FeatureTable{index: make(map[string]int)}
}

// Append adds a wallet's record.
func (t *FeatureTable) Append(wallet string, f Features) error {
	key := strings.ToLower(wallet)
	if _, ok := t.index[key]; ok {
		return ErrDuplicateWallet
	}
	t.index[key] = len(t.rows)
	t.rows = append(t.rows, FeatureRow{Wallet: key, Features: f})
	return nil
}

// Len returns the number of wallets.
func (t *FeatureTable) Len() int { return len(t.rows) }

// Get returns the record for wallet.
func (t *FeatureTable) Get(wallet string) (Features, bool) {
	i, ok := t.index[strings.ToLower(wallet)]
	if !ok {
		return Features{}, false
	}
	return t.rows[i].Features, true
}

// Rows returns a copy of the rows in insertion order.
func (t *FeatureTable) Rows() []FeatureRow {
	out := make([]FeatureRow, len(t.rows))
	copy(out, t.rows)
	return out
}

// Wallets returns the wallet keys in insertion order.
func (t *FeatureTable) Wallets() []string {
	out := make([]string, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.Wallet
	}
	return out
}

// ScoreRow is one wallet's entry in a ScoreTable.
type ScoreRow struct {
	Wallet     string     `json:"wallet"`
	RiskScore  float64    `json:"risk_score"`
	Components Components `json:"components"`
}

// ScoreTable holds one risk score per wallet, keyed like the FeatureTable it
// was derived from.
type ScoreTable struct {
	rows  []ScoreRow
	index map[string]int
}

func newScoreTable(n int) *ScoreTable {
	return &ScoreTable{
		rows:  make([]ScoreRow, 0, n),
		index: make(map[string]int, n),
	}
}

func (t *ScoreTable) add(r ScoreRow) {
	t.index[r.Wallet] = len(t.rows)
	t.rows = append(t.rows, r)
}

// Len returns the number of wallets.
func (t *ScoreTable) Len() int { return len(t.rows) }

// Get returns the score row for wallet.
func (t *ScoreTable) Get(wallet string) (ScoreRow, bool) {
	i, ok := t.index[strings.ToLower(wallet)]
	if !ok {
		return ScoreRow{}, false
	}
	return t.rows[i], true
}

// Rows returns a copy of the rows in table order.
func (t *ScoreTable) Rows() []ScoreRow {
	out := make([]ScoreRow, len(t.rows))
	copy(out, t.rows)
	return out
}

// Row is the joined output record: features plus score.
type Row struct {
	Wallet     string     `json:"wallet"`
	Features   Features   `json:"features"`
	RiskScore  float64    `json:"risk_score"`
	Band       Band       `json:"band"`
	Components Components `json:"components,omitempty"`
}

// Join combines features and scores by wallet, in feature-table order.
// Wallets missing from scores are omitted.
func Join(features *FeatureTable, scores *ScoreTable) []Row {
	out := make([]Row, 0, features.Len())
	for _, fr := range features.rows {
		sr, ok := scores.Get(fr.Wallet)
		if !ok {
			continue
		}
		out = append(out, Row{
			Wallet:     fr.Wallet,
			Features:   fr.Features,
			RiskScore:  sr.RiskScore,
			Band:       BandFor(sr.RiskScore),
			Components: sr.Components,
		})
	}
	return out
}
