package commands

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"artio/archive"
	"artio/clock"
	"artio/engine"
	"artio/fixcodec"
	"artio/internal/config"
	"artio/metrics"
	"artio/replay"
	"artio/seqindex"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway's worker loops",
	Long: `run opens the durable sequence number index and message archive, builds
the Engine, and starts its poll/index-flush workers (spec §5). It blocks
until SIGINT/SIGTERM, then stops the workers and closes the durable stores.

TCP acceptance and the real shared-memory transport are out of scope (spec
§1); run builds the engine over the in-process reference transport and
opens no session itself.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.New(), cfgFile)
	if err != nil {
		return err
	}

	idx, err := seqindex.Open(cfg.SeqIndex.Path, cfg.SeqIndex.Capacity)
	if err != nil {
		return fmt.Errorf("run: open sequence index: %w", err)
	}
	defer idx.Close()

	arch, err := archive.Open(cfg.Archive.Dir)
	if err != nil {
		return fmt.Errorf("run: open archive: %w", err)
	}
	defer arch.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.NewRegistry())
	}

	precision, err := parsePrecision(cfg.Session.SendingTimePrecision)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		SenderCompID:         cfg.Session.SenderCompID,
		BeginString:          cfg.Session.BeginString,
		HeartbeatIntervalSec: cfg.Session.HeartbeatIntervalSec,
		SendingTimePrecision: precision,
		QueueCapacity:        cfg.Engine.QueueCapacity,
		LogoutDrainTimeout:   cfg.Engine.LogoutDrainTimeout,
		IndexFlushInterval:   cfg.Engine.IndexFlushInterval,
		Replay: replay.Config{
			MaxConcurrentSessionReplays: cfg.Replay.MaxConcurrentSessionReplays,
		},
	}, clock.New(), idx, arch, loggingErrorHandler{}, m)

	eng.Start(cfg.Engine.PollInterval)
	log.Printf("artio-gateway: running (sender_comp_id=%s, seqindex=%s, archive=%s)",
		cfg.Session.SenderCompID, cfg.SeqIndex.Path, cfg.Archive.Dir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("artio-gateway: shutdown signal received, draining workers")
	eng.Stop()
	return nil
}

type loggingErrorHandler struct{}

func (loggingErrorHandler) HandleError(sessionID int64, err error) {
	log.Printf("artio-gateway: session %d: %v", sessionID, err)
}

func parsePrecision(name string) (fixcodec.SendingTimePrecision, error) {
	switch name {
	case "seconds":
		return fixcodec.PrecisionSeconds, nil
	case "millis":
		return fixcodec.PrecisionMilliseconds, nil
	case "micros":
		return fixcodec.PrecisionMicroseconds, nil
	case "nanos":
		return fixcodec.PrecisionNanoseconds, nil
	default:
		return 0, fmt.Errorf("run: unknown sending_time_precision %q", name)
	}
}
