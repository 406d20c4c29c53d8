// Package train implements "unitab-launcher train" commands.
package train

import "github.com/spf13/cobra"

func init() {
	cobra.EnablePrefixMatching = true
}

var (
	path         string
	autoPath     bool
	enablePrompt bool
)

// NewCommand implements "unitab-launcher train" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:        "train",
		Short:      "UniTAB training commands",
		SuggestFor: []string{"trian", "training"},
	}
	cmd.PersistentFlags().StringVarP(&path, "path", "p", "", "unitab-launcher training configuration file path")
	cmd.PersistentFlags().BoolVarP(&autoPath, "auto-path", "a", false, "'true' to auto-generate path for config/launch, overwrites existing --path value")
	cmd.PersistentFlags().BoolVarP(&enablePrompt, "enable-prompt", "e", true, "'true' to enable prompt mode")
	cmd.AddCommand(
		newConfig(),
		newLaunch(),
		newScript(),
		newCheck(),
	)
	return cmd
}
