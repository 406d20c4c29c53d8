package train

import (
	"fmt"
	"os"

	"github.com/Gy-Lu/unitab-launcher/internal/launch"
	"github.com/Gy-Lu/unitab-launcher/pkg/fileutil"
	"github.com/Gy-Lu/unitab-launcher/trainconfig"
	"github.com/spf13/cobra"
)

func newCheck() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the training run configuration without launching",
		Run:   checkFunc,
	}
}

func checkFunc(cmd *cobra.Command, args []string) {
	if !fileutil.Exist(path) {
		fmt.Fprintf(os.Stderr, "cannot find configuration %q\n", path)
		os.Exit(1)
	}

	cfg, err := trainconfig.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration %q (%v)\n", path, err)
		os.Exit(1)
	}

	ts, err := launch.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create launcher %v\n", err)
		os.Exit(1)
	}

	if err = ts.Preflight(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to check training run %v\n", err)
		os.Exit(1)
	}

	fmt.Println("'unitab-launcher train check' success")
}
