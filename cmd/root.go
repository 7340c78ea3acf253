package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/audiolibrelab/audiotrans/internal/config"
	"github.com/audiolibrelab/audiotrans/internal/service"
)

var (
	cfg          *config.Config
	cfgFile      string
	pipeline     string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "audiotrans",
	Short: "Record audio and transcribe it with a speech-to-text service",
	Long: `AudioTrans records the microphone into a WebM/Opus (or the best
supported) container, fixes the duration header of the finished file and
sends it to an OpenAI-compatible transcription endpoint.

Transcripts can be exported as plain text or as timestamped JSON.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel, nil)

		var err error
		cfg, err = loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		setupLogging(verboseLevel, &cfg.Logging)

		return validatePipeline()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/audiotrans.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline steps: r=record, t=transcribe, e=export, p=play (e.g., 'rte', 'rp')")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(formatsCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the config file. Without --config a missing default
// file means built-in defaults.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			slog.Debug("No config file, using defaults", "path", path)
			return config.Default()
		}
		cfgFile = path
	}
	return config.LoadWithProfile(path, profile)
}

func newService() *service.Service {
	return service.New(cfg)
}

// setupLogging configures slog based on the verbose level, teeing into a
// rotating file when logging.file is set.
func setupLogging(level int, logCfg *config.LoggingConfig) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if logCfg != nil && logCfg.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logCfg.File,
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAge:     logCfg.MaxAgeDays,
			Compress:   logCfg.Compress,
		})
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))
}
