package train

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Gy-Lu/unitab-launcher/internal/launch"
	"github.com/Gy-Lu/unitab-launcher/pkg/fileutil"
	"github.com/Gy-Lu/unitab-launcher/pkg/randutil"
	"github.com/Gy-Lu/unitab-launcher/trainconfig"
	"github.com/Gy-Lu/unitab-launcher/version"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

func newLaunch() *cobra.Command {
	return &cobra.Command{
		Use:   "launch",
		Short: "Launch a distributed training run",
		Long:  "Configuration values are overwritten by environment variables.",
		Run:   launchFunc,
	}
}

func launchFunc(cmd *cobra.Command, args []string) {
	if autoPath {
		path = filepath.Join(os.TempDir(), randutil.String(15)+".yaml")
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "'--path' flag is not specified")
		os.Exit(1)
	}

	var cfg *trainconfig.Config
	var err error
	if fileutil.Exist(path) {
		cfg, err = trainconfig.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration %q (%v)\n", path, err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintf(os.Stderr, "cannot find configuration %q; writing...\n", path)
		cfg = trainconfig.NewDefault()
		cfg.ConfigPath = path
	}

	fmt.Printf("\n*********************************\n")
	fmt.Printf("overwriting config file from environment variables with %s\n", version.Version())
	if err = cfg.UpdateFromEnvs(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from environment variables: %v\n", err)
		os.Exit(1)
	}

	if err = cfg.ValidateAndSetDefaults(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to validate configuration %q (%v)\n", path, err)
		os.Exit(1)
	}

	txt, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read configuration %q (%v)\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("\n\n%q:\n\n%s\n\n\n", path, string(txt))

	if enablePrompt {
		prompt := promptui.Select{
			Label: "Ready to launch training, should we continue?",
			Items: []string{
				"No, cancel it!",
				"Yes, let's launch!",
			},
		}
		idx, answer, perr := prompt.Run()
		if perr != nil {
			panic(perr)
		}
		if idx != 1 {
			fmt.Printf("returning 'launch' [index %d, answer %q]\n", idx, answer)
			return
		}
	}

	time.Sleep(5 * time.Second)

	ts, err := launch.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create launcher %v\n", err)
		os.Exit(1)
	}

	err = ts.Launch()

	lcfg, lerr := ts.LoadConfig()
	if lerr != nil {
		fmt.Fprintf(os.Stderr, "failed to read launch results %q (%v)\n", path, lerr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("\n*********************************\n")
		fmt.Printf("'unitab-launcher train launch' fail %v\n", err)
		exitCode := lcfg.ExitCode
		if exitCode == 0 {
			exitCode = 1
		}
		os.Exit(exitCode)
	}

	fmt.Printf("\n*********************************\n")
	fmt.Printf("'unitab-launcher train launch' success\n")
}
