package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/agnfit-cli/internal/config"
)

var (
	cfg          *config.Config
	settingsPath string
)

// settingsArgAnnotation marks commands whose first positional argument is
// the settings file.
const settingsArgAnnotation = "settings-arg"

var rootCmd = &cobra.Command{
	Use:          "agnfit",
	Short:        "Catalog-driven SED fitting driver",
	Long:         "Reads a photometric catalog, builds or reuses model dictionaries, and drives the external sampler and writer for every source.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := settingsPath
		if cmd.Annotations[settingsArgAnnotation] == "true" && len(args) > 0 {
			path = args[0]
		}

		c, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "", "settings file (default ./agnfit.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
