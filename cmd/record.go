package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/audiotrans/internal/service"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record from the microphone until Enter or Ctrl+C",
	Long: `Record from the configured input until Enter or Ctrl+C is pressed.
The recording is saved to output.directory as recording-<timestamp>.<ext>;
WebM recordings get their duration header fixed before they are written.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		defer closeService(svc)

		if _, err := recordOnce(cmd.Context(), svc); err != nil {
			return err
		}
		return executePipeline(cmd.Context(), svc, 'r')
	},
}

// recordOnce runs one capture session in the foreground, printing the
// elapsed time once per second.
func recordOnce(ctx context.Context, svc *service.Service) (*service.SavedRecording, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	info, err := svc.StartRecording(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start recording: %w", err)
	}
	slog.Info("Recording started", "format", info.MimeType, "session", info.ID)
	fmt.Fprintln(os.Stderr, "Recording... press Enter or Ctrl+C to stop")

	waitForStop(ctx, func() {
		if st := svc.Status(); st.Session != nil {
			fmt.Fprintf(os.Stderr, "\r● %s  %s", st.Elapsed, formatBytes(int64(st.Session.Bytes)))
		}
	})
	fmt.Fprintln(os.Stderr)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	saved, err := svc.StopRecording(stopCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to stop recording: %w", err)
	}

	fmt.Printf("Saved %s (%s, %s)\n", saved.Path, saved.Duration.Round(time.Millisecond), formatBytes(int64(len(saved.Data))))
	return saved, nil
}

// waitForStop blocks until Enter, SIGINT/SIGTERM or ctx cancellation,
// calling tick once per second meanwhile.
func waitForStop(ctx context.Context, tick func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	enter := make(chan struct{})
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		close(enter)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			return
		case <-enter:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func closeService(svc *service.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
