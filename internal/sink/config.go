package sink

import (
	"errors"
	"log/slog"

	"github.com/mbd888/walletrisk/internal/config"
	"github.com/mbd888/walletrisk/internal/pipeline"
	"github.com/mbd888/walletrisk/internal/snapshot"
)

// FromConfig builds the sinks a deployment has configured: the CSV report
// when OutputPath is set, the snapshot store when store is non-nil, and
// Kafka when brokers are listed. The close func releases producers.
func FromConfig(cfg *config.Config, store snapshot.Store, logger *slog.Logger) ([]pipeline.Sink, func() error, error) {
	var (
		sinks   []pipeline.Sink
		closers []func() error
	)
	if cfg.OutputPath != "" {
		sinks = append(sinks, NewCSVSink(cfg.OutputPath))
		logger.Info("csv report enabled", "path", cfg.OutputPath)
	}
	if store != nil {
		sinks = append(sinks, NewStoreSink(store))
	}
	if len(cfg.KafkaBrokers) > 0 {
		k, err := NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, func() error { return nil }, err
		}
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
		logger.Info("kafka score events enabled", "topic", cfg.KafkaTopic, "brokers", len(cfg.KafkaBrokers))
	}

	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return sinks, closeAll, nil
}
