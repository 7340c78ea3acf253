package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/audiotrans/internal/service"
	"github.com/audiolibrelab/audiotrans/internal/transcript"
)

var exportCmd = &cobra.Command{
	Use:   "export <transcript.json>",
	Short: "Convert a saved transcript to text or JSON",
	Long: `Read a transcript (an exported chunk array or a full transcriber
response) and write it as plain text or as timestamped JSON. Without
--output the result is printed to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read transcript: %w", err)
		}
		chunks, err := transcript.ParseJSON(raw)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		out, name, err := service.ExportChunks(chunks, format)
		if err != nil {
			return err
		}

		outDir, _ := cmd.Flags().GetString("output")
		if outDir == "" {
			fmt.Println(string(out))
			return nil
		}
		if outDir == "." {
			outDir = filepath.Dir(args[0])
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
	exportCmd.Flags().StringP("format", "f", "txt", "export format: txt or json")
	exportCmd.Flags().StringP("output", "o", "", "output directory ('.' = next to the input)")
}
