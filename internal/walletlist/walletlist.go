// Package walletlist reads the list of wallets to score from a CSV file.
package walletlist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNoWalletColumn is returned when the header has none of Columns.
var ErrNoWalletColumn = errors.New("walletlist: no recognized wallet column (want one of wallet_id, wallet_address, address, userWallet, wallet)")

// Columns are the accepted wallet column names, in lookup order.
var Columns = []string{"wallet_id", "wallet_address", "address", "userWallet", "wallet"}

// Load reads wallets from the CSV file at path.
func Load(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied input path
	if err != nil {
		return nil, fmt.Errorf("walletlist: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse reads wallets from CSV with a header row. Values are trimmed and
// lower-cased; empty cells are skipped; order and duplicates are kept.
func Parse(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoWalletColumn
	}
	if err != nil {
		return nil, fmt.Errorf("walletlist: read header: %w", err)
	}

	col := column(header)
	if col < 0 {
		return nil, ErrNoWalletColumn
	}

	wallets := []string{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("walletlist: line %d: %w", line, err)
		}
		if col >= len(rec) {
			continue
		}
		if w := strings.ToLower(strings.TrimSpace(rec[col])); w != "" {
			wallets = append(wallets, w)
		}
	}
	return wallets, nil
}

func column(header []string) int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, seen := idx[h]; !seen {
			idx[h] = i
		}
	}
	for _, name := range Columns {
		if i, ok := idx[name]; ok {
			return i
		}
	}
	return -1
}
