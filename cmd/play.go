package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/audiotrans/internal/play"
)

var playCmd = &cobra.Command{
	Use:   "play [audio-file]",
	Short: "Play a recording (default: the latest one)",
	Long: `Play a recording with the first available player (vlc, mpv, ffplay;
aplay for WAV). Without an argument the newest recording in
output.directory is played.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			latest, err := findLatestRecording(cfg.Output.Directory)
			if err != nil {
				return err
			}
			path = latest
		}

		fmt.Printf("Playing %s\n", path)
		if err := play.New().Play(cmd.Context(), path); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}

// findLatestRecording returns the newest recording-* file in dir.
func findLatestRecording(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read output directory: %w", err)
	}

	var latest string
	var latestMod int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "recording-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); latest == "" || mod > latestMod {
			latest, latestMod = filepath.Join(dir, entry.Name()), mod
		}
	}

	if latest == "" {
		return "", fmt.Errorf("no recordings found in %s", dir)
	}
	return latest, nil
}
