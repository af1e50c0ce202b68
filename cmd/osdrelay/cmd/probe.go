package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/osdrelay/internal/ingest"
	"github.com/jmylchreest/osdrelay/internal/probe"
)

var (
	probeJSON    bool
	probeLimit   int
	probeTimeout time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe <uri>",
	Short: "List the programs and streams of an input",
	Long: `Read the start of an input and print its MPEG-TS programs and
elementary streams. Inputs that are not MPEG-TS are remuxed by FFmpeg first,
exactly as a session would read them.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "output as JSON")
	probeCmd.Flags().IntVar(&probeLimit, "packets", probe.DefaultPacketLimit, "number of PES packets to read")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 15*time.Second, "give up after this long")
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	in, err := ingest.Open(ctx, args[0], ingest.Options{
		InputOptions:   viper.GetStringMapString("pipeline.input_options"),
		FFmpegBinary:   viper.GetString("ffmpeg.binary_path"),
		FFmpegLogLevel: viper.GetString("ffmpeg.log_level"),
		HTTP:           ingest.DefaultHTTPConfig(),
		Logger:         slog.Default(),
	})
	if err != nil {
		return err
	}
	defer in.Close()

	res, err := probe.Probe(ctx, in, probeLimit)
	if err != nil {
		return fmt.Errorf("probing %s: %w", args[0], err)
	}

	if probeJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printProbe(cmd.OutOrStdout(), in.Kind, res)
	return nil
}

func printProbe(w io.Writer, kind string, res *probe.Result) {
	fmt.Fprintf(w, "reader: %s, %d PES packets read\n", kind, res.PESPackets)
	for _, prog := range res.Programs {
		fmt.Fprintf(w, "program %d (pmt 0x%04x, pcr 0x%04x)\n", prog.Number, prog.PMTPID, prog.PCRPID)
		for _, s := range prog.Streams {
			fmt.Fprintf(w, "  pid 0x%04x  type 0x%02x  %-12s %d packets\n", s.PID, s.StreamType, s.Codec, s.Packets)
		}
	}
}
