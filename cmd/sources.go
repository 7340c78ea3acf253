package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/audiotrans/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long: `List the capture sources of the active backend: ffmpeg input devices,
or PipeWire/JACK ports when the PipeWire backend is used.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend := audio.NewBackend(cfg)
		sources, err := backend.ListSources()
		if err != nil {
			return fmt.Errorf("failed to list %s sources: %w", backend.GetType(), err)
		}

		fmt.Printf("Audio Sources (%s, %s backend)\n", runtime.GOOS, backend.GetType())
		fmt.Printf("═══════════════════════════════════════\n\n")
		fmt.Printf("%d found:\n", len(sources))
		for i, source := range sources {
			fmt.Printf("  %d. %s\n", i+1, source)
		}

		configured := cfg.Recorder.Sources
		if backend.GetType() != audio.BackendTypePipeWire && cfg.Recorder.Device != "" {
			configured = []string{cfg.Recorder.Device}
		}
		if len(configured) > 0 {
			fmt.Printf("\nConfigured:\n")
			for _, source := range configured {
				if err := backend.ValidateSource(source); err != nil {
					fmt.Printf("  ✗ %s (%v)\n", source, err)
				} else {
					fmt.Printf("  ✓ %s\n", source)
				}
			}
		}

		fmt.Printf("\nAvailable backends: %v\n", audio.GetAvailableBackends())
		switch backend.GetType() {
		case audio.BackendTypePipeWire:
			fmt.Printf("Configure in recorder.sources: [\"Device: Audio (hw:1,0):capture_FL\"]\n")
		default:
			fmt.Printf("Configure in recorder.device (with recorder.input_format if not the OS default)\n")
		}
		return nil
	},
}
