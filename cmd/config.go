package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/audiotrans/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage AudioTrans configuration profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(out))

		if sources, _ := cmd.Flags().GetBool("sources"); sources {
			fmt.Printf("\n=== SETTING SOURCES ===\n")
			keys := make([]string, 0, len(cfg.Inheritance))
			for key := range cfg.Inheritance {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Printf("%s %s\n", key, getInheritanceIndicator(cfg.Inheritance[key]))
			}
		}
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configuration profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return fmt.Errorf("no config file found at %s", config.DefaultPath())
		}
		names, active, err := config.ProfileNames(cfgFile)
		if err != nil {
			return err
		}
		for _, name := range names {
			mark := " "
			if name == active {
				mark = "*"
			}
			fmt.Printf("%s %s\n", mark, name)
		}
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use <profile>",
	Short: "Set the active profile in the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return fmt.Errorf("no config file found at %s", config.DefaultPath())
		}
		if err := config.UpdateActiveProfile(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active profile: %s\n", args[0])
		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "environment":
		return "[environment]"
	default:
		return "[unknown]"
	}
}

func init() {
	configShowCmd.Flags().Bool("sources", false, "show where every setting came from")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configUseCmd)
}
