package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletrisk/internal/config"
	"github.com/mbd888/walletrisk/internal/pipeline"
	"github.com/mbd888/walletrisk/internal/risk"
	"github.com/mbd888/walletrisk/internal/snapshot"
)

var (
	started  = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	finished = started.Add(3 * time.Second)
)

const (
	walletA = "0x00000000000000000000000000000000000000aa"
	walletB = "0x00000000000000000000000000000000000000bb"
)

func testResult(t *testing.T) *pipeline.Result {
	t.Helper()
	table := risk.NewFeatureTable()
	a := risk.DefaultFeatures()
	a.TotalLifetimeSupply = 1000.5
	a.NetPosition = 1000.5
	a.CollateralDiversity = 1
	require.NoError(t, table.Append(walletA, a))

	b := risk.DefaultFeatures()
	b.TotalLifetimeBorrow = 4000
	b.NetPosition = -4000
	b.BorrowFrequency = 2
	b.RepaymentRatio = 0
	b.LiquidationCount = 1
	b.TimeSinceLastLiquidation = 172800
	require.NoError(t, table.Append(walletB, b))

	scores := risk.NewScorer().Score(table)
	return &pipeline.Result{
		RunID:      "run_20250601T120000Z_deadbeef",
		Source:     "file",
		StartedAt:  started,
		FinishedAt: finished,
		Features:   table,
		Scores:     scores,
		Rows:       risk.Join(table, scores),
		Stats:      pipeline.Stats{Wallets: 2, Extracted: 2},
	}
}

func TestWriteCSV(t *testing.T) {
	res := testResult(t)
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, res.Rows))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, CSVHeader, records[0])
	assert.Len(t, records[0], 12)

	assert.Equal(t, []string{walletA, "0", "1000.5", "1000.5", "0", "1", "0", "1", "10000000000", "1", "0"}, records[1][:11])
	assert.Equal(t, walletB, records[2][0])
	assert.Equal(t, "-4000", records[2][3])
	assert.Equal(t, "172800", records[2][8])
	assert.Equal(t, formatFloat(res.Rows[1].RiskScore), records[2][11])
}

func TestCSVSink_CreatesDirAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out", "wallet_risk_scores.csv")
	s := NewCSVSink(path)
	assert.Equal(t, "csv", s.Name())

	res := testResult(t)
	require.NoError(t, s.Write(context.Background(), res))

	res.Rows = res.Rows[:1]
	require.NoError(t, s.Write(context.Background(), res))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 2, "second run replaces the file")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestStoreSink(t *testing.T) {
	store := snapshot.NewMemoryStore()
	s := NewStoreSink(store)
	res := testResult(t)

	require.NoError(t, s.Write(context.Background(), res))

	run, err := store.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.RunID, run.ID)
	assert.Equal(t, "file", run.Source)
	assert.Equal(t, 2, run.Wallets)
	assert.Equal(t, 2, run.Extracted)

	score, err := store.Latest(context.Background(), walletB)
	require.NoError(t, err)
	assert.Equal(t, res.Rows[1].RiskScore, score.RiskScore)
	assert.Equal(t, finished, score.ScoredAt)
}

func TestKafkaSink_PublishesEnvelopePerWallet(t *testing.T) {
	p := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	res := testResult(t)

	for _, row := range res.Rows {
		want := row
		p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			if msg.Topic != "scores" {
				return errors.New("wrong topic " + msg.Topic)
			}
			key, err := msg.Key.Encode()
			if err != nil {
				return err
			}
			if string(key) != want.Wallet {
				return errors.New("wrong key " + string(key))
			}
			raw, err := msg.Value.Encode()
			if err != nil {
				return err
			}
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return err
			}
			if env.Type != EventWalletScored || env.RunID != res.RunID || env.TS != finished.UnixMilli() {
				return errors.New("bad envelope")
			}
			var row risk.Row
			if err := json.Unmarshal(env.Data, &row); err != nil {
				return err
			}
			if row.Wallet != want.Wallet || row.RiskScore != want.RiskScore {
				return errors.New("bad row payload")
			}
			return nil
		})
	}

	s := NewKafkaSinkWithProducer(p, "scores")
	assert.Equal(t, "kafka", s.Name())
	require.NoError(t, s.Write(context.Background(), res))
	require.NoError(t, s.Close())
}

func TestKafkaSink_SendFailure(t *testing.T) {
	p := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	p.ExpectSendMessageAndSucceed()

	s := NewKafkaSinkWithProducer(p, "scores")
	err := s.Write(context.Background(), testResult(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka publish")
	require.NoError(t, s.Close())
}

func TestKafkaSink_CancelledContext(t *testing.T) {
	p := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	s := NewKafkaSinkWithProducer(p, "scores")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Write(ctx, testResult(t)), context.Canceled)
	require.NoError(t, s.Close())
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink([]string{"localhost:9092"}, "")
	assert.Error(t, err)
	_, err = NewKafkaSink(nil, "scores")
	assert.Error(t, err)
}

func TestProducerConfig(t *testing.T) {
	cfg := ProducerConfig()
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.NoError(t, cfg.Validate())
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{OutputPath: filepath.Join(t.TempDir(), "out.csv")}
	sinks, closeAll, err := FromConfig(cfg, snapshot.NewMemoryStore(), slog.Default())
	require.NoError(t, err)
	defer func() { assert.NoError(t, closeAll()) }()

	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	assert.Equal(t, []string{"csv", "store"}, names)

	sinks, _, err = FromConfig(&config.Config{}, nil, slog.Default())
	require.NoError(t, err)
	assert.Empty(t, sinks)
}
