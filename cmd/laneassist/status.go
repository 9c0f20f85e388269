package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/banshee-data/lane.assist/internal/httputil"
	"github.com/banshee-data/lane.assist/internal/jobs"
)

type statusFlags struct {
	Server   string
	Watch    bool
	Interval time.Duration
}

func newStatusCmd() *cobra.Command {
	f := &statusFlags{}
	cmd := &cobra.Command{
		Use:   "status [key]",
		Short: "Show conversion jobs on a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := httputil.NewAPIClient(http.DefaultClient, f.Server)
			if len(args) == 0 {
				return listJobs(cmd.Context(), client, cmd.OutOrStdout())
			}
			return showStatus(cmd.Context(), client, f, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&f.Server, "server", "http://localhost:8080", "Server base URL")
	cmd.Flags().BoolVarP(&f.Watch, "watch", "w", false, "Follow progress until the job finishes")
	cmd.Flags().DurationVar(&f.Interval, "interval", time.Second, "Polling interval with --watch")
	return cmd
}

func fetchStatus(ctx context.Context, client *httputil.APIClient, key string) (jobs.Status, error) {
	var st jobs.Status
	err := client.GetJSON(ctx, "/api/status/"+key, &st)
	var se *httputil.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return jobs.Status{Key: key, State: jobs.StateNotFound}, nil
	}
	return st, err
}

func showStatus(ctx context.Context, client *httputil.APIClient, f *statusFlags, key string, stdout, stderr io.Writer) error {
	var (
		st  jobs.Status
		err error
	)
	if f.Watch {
		bar := progressbar.NewOptions(100,
			progressbar.OptionSetDescription(key),
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionShowCount(),
		)
		st, err = watchProgress(ctx, key, f.Interval, func(k string) (jobs.Status, error) {
			return fetchStatus(ctx, client, k)
		}, func(p float64) { bar.Set(int(p * 100)) })
		fmt.Fprintln(stderr)
	} else {
		st, err = fetchStatus(ctx, client, key)
		if err == nil && st.State == jobs.StateNotFound {
			err = fmt.Errorf("%s: %w", key, jobs.ErrUnknownJob)
		}
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%s: %s (%.0f%%)\n", st.Key, st.State, max(st.Progress, 0)*100)
	if st.Duration != nil {
		fmt.Fprintf(stdout, "duration: %.2fs, departures: %d\n", *st.Duration, st.Departures)
	}
	if st.Error != "" {
		fmt.Fprintf(stdout, "error: %s\n", st.Error)
	}
	return nil
}

func listJobs(ctx context.Context, client *httputil.APIClient, w io.Writer) error {
	var list []jobs.Status
	if err := client.GetJSON(ctx, "/api/jobs", &list); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tPROGRESS\tDEPARTURES")
	for _, st := range list {
		fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%d\n", st.Key, st.State, max(st.Progress, 0)*100, st.Departures)
	}
	return tw.Flush()
}
