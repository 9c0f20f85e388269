package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/banshee-data/lane.assist/internal/db"
	"github.com/banshee-data/lane.assist/internal/httputil"
	"github.com/banshee-data/lane.assist/internal/jobs"
	"github.com/banshee-data/lane.assist/internal/monitoring"
	"github.com/banshee-data/lane.assist/internal/vision"
)

const pollInterval = 200 * time.Millisecond

type convertFlags struct {
	Input     string
	OutputDir string
	Key       string
	NoLedger  bool
	Server    string
	Models    modelFlags
}

func newConvertCmd(g *globalFlags) *cobra.Command {
	f := &convertFlags{}
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a video into a lane overlay video with departure timestamps",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Server != "" {
				client := httputil.NewAPIClient(http.DefaultClient, f.Server)
				return runRemoteConvert(cmd.Context(), client, f, pollInterval, cmd.OutOrStdout(), cmd.ErrOrStderr())
			}
			return runConvert(cmd.Context(), g, f, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&f.Input, "input", "i", "", "Path to source video")
	cmd.Flags().StringVarP(&f.OutputDir, "output", "o", "output", "Directory receiving the converted video and artefacts")
	cmd.Flags().StringVar(&f.Key, "key", "", "Output file name (derived from the input when empty)")
	cmd.Flags().BoolVar(&f.NoLedger, "no-ledger", false, "Do not record the conversion in the ledger")
	cmd.Flags().StringVar(&f.Server, "server", "", "Start the conversion on a running server instead; -i names a stored upload there")
	cmd.Flags().StringVar(&f.Models.LanePath, "lane-model", "models/lane.onnx", "Lane detection ONNX model")
	cmd.Flags().StringVar(&f.Models.Backend, "backend", "cpu", "Inference backend (cpu or cuda)")
	cmd.MarkFlagRequired("input")
	return cmd
}

func runConvert(ctx context.Context, g *globalFlags, f *convertFlags, stdout, stderr io.Writer) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(f.Input); err != nil {
		return fmt.Errorf("input video: %w", err)
	}

	var recorder jobs.Recorder
	if !f.NoLedger {
		ledger, err := db.NewDB(g.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer ledger.Close()
		recorder = ledger
	}

	a := newApp(cfg, vision.OpenCV{}, vision.Videos{Codec: cfg.GetOutputCodec()})
	laneDone, _ := a.loadModels(modelFlags{LanePath: f.Models.LanePath, Backend: f.Models.Backend})
	<-laneDone
	if err := a.laneSlot.LoadErr(); err != nil {
		return fmt.Errorf("failed to load lane model: %w", err)
	}

	// Job logs would interleave with the bar.
	monitoring.SetLogger(nil)

	manager := a.newManager(f.OutputDir, recorder)
	st, err := manager.Start(ctx, f.Input, f.Key)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Converting "+filepath.Base(f.Input)),
		progressbar.OptionSetWriter(stderr),
		progressbar.OptionShowCount(),
	)
	final, err := watchProgress(ctx, st.Key, pollInterval, func(key string) (jobs.Status, error) {
		return manager.Status(key), nil
	}, func(p float64) { bar.Set(int(p * 100)) })
	if errors.Is(err, context.Canceled) {
		manager.Cancel(st.Key)
		manager.Wait()
		return err
	}
	if err != nil {
		return err
	}
	bar.Finish()
	fmt.Fprintln(stderr)

	if final.State != jobs.StateDone {
		return fmt.Errorf("conversion failed: %s", final.Error)
	}
	return printSummary(stdout, manager, final)
}

type remoteConvertRequest struct {
	Source string `json:"source"`
	Key    string `json:"key,omitempty"`
}

// runRemoteConvert starts the job on a server and follows it to the end.
func runRemoteConvert(ctx context.Context, client *httputil.APIClient, f *convertFlags, interval time.Duration, stdout, stderr io.Writer) error {
	var started jobs.Status
	if err := client.PostJSON(ctx, "/api/convert", remoteConvertRequest{Source: f.Input, Key: f.Key}, &started); err != nil {
		return fmt.Errorf("failed to start conversion: %w", err)
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Converting "+f.Input),
		progressbar.OptionSetWriter(stderr),
		progressbar.OptionShowCount(),
	)
	final, err := watchProgress(ctx, started.Key, interval, func(key string) (jobs.Status, error) {
		return fetchStatus(ctx, client, key)
	}, func(p float64) { bar.Set(int(p * 100)) })
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "\nstopped watching %s; it keeps running on the server\n", started.Key)
		return err
	}
	if err != nil {
		return err
	}
	bar.Finish()
	fmt.Fprintln(stderr)

	if final.State != jobs.StateDone {
		return fmt.Errorf("conversion failed: %s", final.Error)
	}
	var departures []float64
	if err := client.GetJSON(ctx, "/api/jobs/"+started.Key+"/departures", &departures); err != nil {
		return fmt.Errorf("failed to fetch departures: %w", err)
	}
	fmt.Fprintf(stdout, "Key:        %s\n", started.Key)
	if final.Duration != nil {
		fmt.Fprintf(stdout, "Duration:   %.2fs\n", *final.Duration)
	}
	fmt.Fprintf(stdout, "Departures: %d\n", len(departures))
	for _, ts := range departures {
		fmt.Fprintf(stdout, "  %8.2fs\n", ts)
	}
	return nil
}

func printSummary(w io.Writer, manager *jobs.Manager, st jobs.Status) error {
	departures, err := manager.Departures(st.Key)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Output:     %s\n", manager.OutputPath(st.Key))
	if st.Duration != nil {
		fmt.Fprintf(w, "Duration:   %.2fs\n", *st.Duration)
	}
	fmt.Fprintf(w, "Departures: %d\n", len(departures))
	for _, ts := range departures {
		fmt.Fprintf(w, "  %8.2fs\n", ts)
	}
	fmt.Fprintf(w, "Artefacts:  %s, %s\n", manager.ArtifactPath(st.Key), manager.TimelinePath(st.Key))
	return nil
}

// watchProgress polls fetch every interval, reporting progress, until the
// job is terminal or ctx ends.
func watchProgress(ctx context.Context, key string, interval time.Duration,
	fetch func(key string) (jobs.Status, error), report func(float64)) (jobs.Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := fetch(key)
		if err != nil {
			return jobs.Status{}, err
		}
		if st.State == jobs.StateNotFound {
			return st, fmt.Errorf("%s: %w", key, jobs.ErrUnknownJob)
		}
		if st.Progress >= 0 {
			report(st.Progress)
		}
		if st.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}
