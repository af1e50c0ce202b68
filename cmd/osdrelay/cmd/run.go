package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/osdrelay/internal/engine"
	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/pipeline"
	"github.com/jmylchreest/osdrelay/pkg/format"
)

var runOSD string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one pipeline session",
	Long: `Run a single pipeline session until the input ends or the process is
interrupted, then print a summary.

With --osd the video is re-encoded with the text overlay. Without it every
stream is remuxed unchanged.

  osdrelay run --input rtsp://camera/stream --output rtmp://live/app/key --osd "Camera 1"
  osdrelay run --input in.mp4 --output out.ts --format mpegts`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("input", "", "Input URI or file path")
	runCmd.Flags().String("output", "", "Output URI or file path")
	runCmd.Flags().String("format", "flv", "Output container (flv, mpegts, hls, mp4, matroska, mov, nut)")
	runCmd.Flags().String("realtime", "auto", "Pace reads to wall-clock time (auto, always, never)")
	runCmd.Flags().StringVar(&runOSD, "osd", "", "Overlay text; empty remuxes without re-encoding")

	mustBindPFlag("pipeline.input", runCmd.Flags().Lookup("input"))
	mustBindPFlag("pipeline.output", runCmd.Flags().Lookup("output"))
	mustBindPFlag("pipeline.format", runCmd.Flags().Lookup("format"))
	mustBindPFlag("pipeline.realtime", runCmd.Flags().Lookup("realtime"))
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return err
	}

	backend := engine.New(cfg, nil, slog.Default())
	sessionCfg := pipeline.SessionConfigFrom(cfg.Pipeline, runOSD)
	if err := sessionCfg.Validate(); err != nil {
		return err
	}
	if !backend.SupportsContainer(sessionCfg.Format) {
		return fmt.Errorf("%w: %q", pipeline.ErrUnsupportedContainer, sessionCfg.Format)
	}

	id := ulid.Make().String()
	logger := observability.WithSession(slog.Default(), id)
	stop := pipeline.NewStopSignal()
	session := pipeline.NewSession(id, sessionCfg, backend, stop, logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		stop.Request()
	}()

	start := time.Now()
	runErr := session.Run(cmd.Context())
	printSummary(cmd.OutOrStdout(), session, time.Since(start))
	return runErr
}

func printSummary(w io.Writer, session *pipeline.Session, elapsed time.Duration) {
	stats := session.Stats()
	cfg := session.Config()

	fmt.Fprintf(w, "session   %s (%s)\n", session.ID(), cfg.Mode())
	fmt.Fprintf(w, "elapsed   %s\n", format.Clock(elapsed))
	fmt.Fprintf(w, "packets   %s read, %s written, %s dropped (%s), %s errors\n",
		format.Number(stats.PacketsRead),
		format.Number(stats.PacketsWritten),
		format.Number(stats.PacketsDropped),
		format.Percentage(stats.PacketsDropped, stats.PacketsRead),
		format.Number(stats.PacketErrors),
	)
	if cfg.Mode() == pipeline.ModeTransform {
		fmt.Fprintf(w, "frames    %s decoded, %s encoded (%s)\n",
			format.Number(stats.FramesDecoded),
			format.Number(stats.FramesEncoded),
			format.Rate(stats.FramesEncoded, elapsed),
		)
	}
	fmt.Fprintf(w, "output    %s at %s\n", format.Bytes(stats.BytesWritten), format.Bitrate(stats.BytesWritten, elapsed))
}
