// unitab-launcher launches UniTAB multimodal training runs.
package main

import (
	"fmt"
	"os"

	"github.com/Gy-Lu/unitab-launcher/cmd/unitab-launcher/train"
	"github.com/Gy-Lu/unitab-launcher/cmd/unitab-launcher/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:        "unitab-launcher",
	Short:      "UniTAB training launcher CLI",
	SuggestFor: []string{"unitab", "unitab-launch", "unitab-trainer"},
}

func init() {
	cobra.EnablePrefixMatching = true
}

func init() {
	rootCmd.AddCommand(
		train.NewCommand(),
		version.NewCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "unitab-launcher failed %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
