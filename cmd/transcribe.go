package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/audiotrans/internal/service"
	"github.com/audiolibrelab/audiotrans/internal/transcript"
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <audio-file>",
	Short: "Transcribe an audio file",
	Long: `Send an audio file to the configured transcription service and print
the timestamped transcript. With --output the transcript is also exported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		defer closeService(svc)

		data, err := svc.TranscribeFile(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("transcription failed: %w", err)
		}
		printTranscript(data)

		outDir, _ := cmd.Flags().GetString("output")
		if outDir == "" {
			return nil
		}
		format, _ := cmd.Flags().GetString("format")
		out, name, err := service.ExportChunks(data.Chunks, format)
		if err != nil {
			return err
		}
		path, err := transcript.Save(outDir, name, out)
		if err != nil {
			return err
		}
		fmt.Printf("Exported %s\n", path)
		return nil
	},
}

func init() {
	transcribeCmd.Flags().StringP("output", "o", "", "directory to export the transcript to")
	transcribeCmd.Flags().StringP("format", "f", "json", "export format: txt or json")
}
