// Command weirctl drives a running weir daemon over its local control
// endpoint, and replays recorded journal partitions offline.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/control"
	"github.com/tidemill/weir/internal/replay"
	"github.com/tidemill/weir/internal/schema"
)

const defaultAddr = "127.0.0.1:8883"

var (
	addr       string
	reqTimeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "weirctl",
		Short:         "Control a running weir daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "control endpoint address")
	root.PersistentFlags().DurationVar(&reqTimeout, "timeout", 5*time.Second, "request timeout")
	// Accept --run_id as --run-id and so on.
	root.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	root.AddCommand(
		statusCmd(),
		commandCmd("pause", "Pause the pipeline"),
		commandCmd("resume", "Resume a paused pipeline"),
		setModeCmd(),
		commandCmd("shutdown", "Stop the daemon gracefully"),
		replayCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "weirctl: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print control and market data status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := httpGet(cmd.Context(), "/v1/status")
			if err != nil {
				return err
			}
			var status control.StatusResponse
			if err := json.Unmarshal(body, &status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func commandCmd(action, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return postCommand(cmd, control.CommandRequest{Action: action, Reason: reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the command")
	return cmd
}

func setModeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "set-mode MODE",
		Short: "Switch the pipeline mode (LIVE|PAPER|BACKTEST)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postCommand(cmd, control.CommandRequest{
				Action: schema.CommandSetMode,
				Mode:   args[0],
				Reason: reason,
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the command")
	return cmd
}

func postCommand(cmd *cobra.Command, req control.CommandRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	body, err := httpPost(cmd.Context(), "/v1/command", payload)
	if err != nil {
		return err
	}
	var resp control.CommandResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "accepted %s (%s)\n", req.Action, resp.CommandID)
	return nil
}

func replayCmd() *cobra.Command {
	var (
		dir     string
		topic   string
		stream  string
		symbol  string
		runID   string
		tf      string
		from    string
		to      string
		mode    string
		speed   float64
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-emit a recorded journal partition locally",
		Long: "Replay reads one journal partition and re-emits its records on a " +
			"local bus with replay provenance, reporting per-topic counts. It " +
			"runs against the journal directory directly; the daemon is not " +
			"involved.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := zerolog.Nop()
			if verbose {
				log = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).With().Timestamp().Logger()
			}
			b := bus.New(log)
			warnings := 0
			bus.Subscribe(b, schema.TopicReplayWarning, func(w schema.ReplayWarning) {
				warnings++
				if verbose {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s:%d %s\n", w.File, w.Line, w.Reason)
				}
			})
			var finished *schema.ReplayFinished
			bus.Subscribe(b, schema.TopicReplayFinished, func(f schema.ReplayFinished) { finished = &f })

			runner := replay.NewRunner(b, log)
			err := runner.Run(ctx, replay.Request{
				Dir:         dir,
				StreamID:    stream,
				Symbol:      symbol,
				RunID:       runID,
				Topic:       topic,
				Tf:          tf,
				DateFrom:    from,
				DateTo:      to,
				Mode:        replay.Mode(mode),
				SpeedFactor: speed,
			})
			if err != nil {
				return err
			}
			if finished != nil {
				for topicName, count := range finished.Counts {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", topicName, count)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "skipped: %d, warnings: %d, took %dms\n",
					finished.Skipped, warnings, finished.DurationMs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data/journal", "journal base directory")
	cmd.Flags().StringVar(&topic, "topic", "", "normalized topic to replay")
	cmd.Flags().StringVar(&stream, "stream", "", "stream identity, e.g. binance:futures:trade")
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol, e.g. BTCUSDT")
	cmd.Flags().StringVar(&runID, "run-id", "", "journal run identifier (empty replays the legacy layout)")
	cmd.Flags().StringVar(&tf, "tf", "", "kline timeframe partition")
	cmd.Flags().StringVar(&from, "from", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last date, YYYY-MM-DD")
	cmd.Flags().StringVar(&mode, "mode", string(replay.ModeMax), "pacing: max|accelerated|realtime")
	cmd.Flags().Float64Var(&speed, "speed", 10, "speed factor for accelerated pacing")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print per-record warnings")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("stream")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

func httpGet(ctx context.Context, path string) ([]byte, error) {
	return httpDo(ctx, http.MethodGet, path, nil)
}

func httpPost(ctx context.Context, path string, payload []byte) ([]byte, error) {
	return httpDo(ctx, http.MethodPost, path, payload)
}

func httpDo(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach %s: %w", addr, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(out, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("daemon rejected request: %s", apiErr.Error)
		}
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	return out, nil
}
