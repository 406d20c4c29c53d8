package train

import (
	"fmt"
	"os"

	"github.com/Gy-Lu/unitab-launcher/pkg/fileutil"
	"github.com/Gy-Lu/unitab-launcher/trainconfig"
	"github.com/spf13/cobra"
)

func newScript() *cobra.Command {
	return &cobra.Command{
		Use:   "script",
		Short: "Prints the generated launch script",
		Long:  "Configuration values are overwritten by environment variables.",
		Run:   scriptFunc,
	}
}

func scriptFunc(cmd *cobra.Command, args []string) {
	if !fileutil.Exist(path) {
		fmt.Fprintf(os.Stderr, "cannot find configuration %q\n", path)
		os.Exit(1)
	}

	cfg, err := trainconfig.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration %q (%v)\n", path, err)
		os.Exit(1)
	}
	if err = cfg.UpdateFromEnvs(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from environment variables: %v\n", err)
		os.Exit(1)
	}
	if err = cfg.ValidateAndSetDefaults(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to validate configuration %q (%v)\n", path, err)
		os.Exit(1)
	}

	txt, err := os.ReadFile(cfg.LaunchScriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read launch script %q (%v)\n", cfg.LaunchScriptPath, err)
		os.Exit(1)
	}
	fmt.Print(string(txt))
}
