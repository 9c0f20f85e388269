package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/lane.assist/internal/api"
	"github.com/banshee-data/lane.assist/internal/db"
	"github.com/banshee-data/lane.assist/internal/lane"
	"github.com/banshee-data/lane.assist/internal/monitoring"
	"github.com/banshee-data/lane.assist/internal/vision"
)

const shutdownTimeout = 5 * time.Second

type serveFlags struct {
	Listen     string
	UploadsDir string
	OutputDir  string
	Models     modelFlags
}

func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the overlay, depth and conversion API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g, f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", ":8080", "Listen address")
	cmd.Flags().StringVar(&f.UploadsDir, "uploads", "uploads", "Directory holding stored source videos")
	cmd.Flags().StringVar(&f.OutputDir, "output", "output", "Directory receiving converted videos and artefacts")
	addModelFlags(cmd, &f.Models)
	return cmd
}

func addModelFlags(cmd *cobra.Command, m *modelFlags) {
	cmd.Flags().StringVar(&m.LanePath, "lane-model", "models/lane.onnx", "Lane detection ONNX model")
	cmd.Flags().StringVar(&m.DepthPath, "depth-model", "models/depth.onnx", "Depth estimation ONNX model")
	cmd.Flags().StringVar(&m.Backend, "backend", "cpu", "Inference backend (cpu or cuda)")
}

func runServe(ctx context.Context, g *globalFlags, f *serveFlags) error {
	if f.Listen == "" {
		return errors.New("listen address is required")
	}
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	for _, dir := range []string{f.UploadsDir, f.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	ledger, err := db.NewDB(g.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()

	a := newApp(cfg, vision.OpenCV{}, vision.Videos{Codec: cfg.GetOutputCodec()})
	a.loadModels(f.Models)
	manager := a.newManager(f.OutputDir, ledger)
	sessions := lane.NewSessions(cfg.GetLiveHistory(), cfg.GetSessionTTL(), nil)

	mux := http.NewServeMux()
	if err := ledger.AttachAdminRoutes(mux); err != nil {
		return err
	}
	server := api.NewServer(api.Options{
		Lanes:      a.lanes,
		Depth:      a.depth,
		Imaging:    a.img,
		Sessions:   sessions,
		Jobs:       manager,
		Ledger:     ledger,
		UploadsDir: f.UploadsDir,
	})
	mux.Handle("/api/", server.ServeMux())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(ctx)
		monitoring.Logf("session eviction routine terminated")
	}()

	srv := &http.Server{
		Addr:     f.Listen,
		Handler:  api.LoggingMiddleware(mux),
		ErrorLog: monitoring.NewStdLogger("[http] "),
	}
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("listening on %s", f.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("job shutdown error: %v", err)
	}
	wg.Wait()
	monitoring.Logf("Graceful shutdown complete")
	return nil
}
