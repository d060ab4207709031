package idgen

import (
	"regexp"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunID(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 30, 5, 0, time.FixedZone("CEST", 2*3600))
	id := RunID(at)
	assert.Regexp(t, regexp.MustCompile(`^run_20250601T103005Z_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, RunID(at))
}

func TestRunID_SortsByTime(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []string{
		RunID(base.Add(48 * time.Hour)),
		RunID(base),
		RunID(base.Add(time.Hour)),
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, []string{ids[1], ids[2], ids[0]}, sorted)
}

func TestWithPrefixAndHex(t *testing.T) {
	assert.Regexp(t, `^req_[0-9a-f]{24}$`, WithPrefix("req_"))
	assert.Len(t, Hex(16), 32)
}
