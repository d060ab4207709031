package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mbd888/walletrisk/internal/risk"
)

// Record is one element of the transactions dump. Amount, symbol and price
// accept JSON strings or numbers; Timestamp accepts unix seconds (number or
// string) or RFC3339.
type Record struct {
	UserWallet string `json:"userWallet"`
	Action     string `json:"action"`
	ActionData struct {
		Amount        flexString `json:"amount"`
		AssetSymbol   flexString `json:"assetSymbol"`
		AssetPriceUSD flexString `json:"assetPriceUSD"`
	} `json:"actionData"`
	Timestamp flexTimestamp `json:"timestamp"`
}

// Transaction converts the record, lower-casing the wallet.
func (r Record) Transaction() risk.Transaction {
	return risk.Transaction{
		Wallet:        strings.ToLower(strings.TrimSpace(r.UserWallet)),
		Action:        r.Action,
		Amount:        string(r.ActionData.Amount),
		AssetSymbol:   string(r.ActionData.AssetSymbol),
		AssetPriceUSD: string(r.ActionData.AssetPriceUSD),
		Timestamp:     int64(r.Timestamp),
	}
}

// FileSource serves transactions from a JSON array dump, indexed by wallet.
type FileSource struct {
	*StaticSource
	path string
}

// LoadFile reads and indexes the dump at path.
func LoadFile(path string) (*FileSource, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied input path
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	static, err := decodeRecords(f)
	if err != nil {
		return nil, fmt.Errorf("source: %s: %w", path, err)
	}
	return &FileSource{StaticSource: static, path: path}, nil
}

// decodeRecords streams the top-level array so large dumps are never held
// twice in memory.
func decodeRecords(r io.Reader) (*StaticSource, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read opening token: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("expected a JSON array of transactions")
	}

	static := NewStaticSource(nil)
	for i := 0; dec.More(); i++ {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if rec.UserWallet == "" {
			continue
		}
		static.Add(rec.Transaction())
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read closing token: %w", err)
	}
	return static, nil
}

func (f *FileSource) Transactions(ctx context.Context, wallet string) ([]risk.Transaction, error) {
	return f.StaticSource.Transactions(ctx, wallet)
}

func (f *FileSource) Name() string { return "file" }
