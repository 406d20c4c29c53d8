// Package launch implements the UniTAB distributed training launcher.
package launch

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pkg_aws "github.com/Gy-Lu/unitab-launcher/pkg/aws"
	"github.com/Gy-Lu/unitab-launcher/pkg/logutil"
	"github.com/Gy-Lu/unitab-launcher/pkg/user"
	"github.com/Gy-Lu/unitab-launcher/trainconfig"
	"github.com/Gy-Lu/unitab-launcher/trainlauncher"
	"github.com/Gy-Lu/unitab-launcher/version"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

type launcher struct {
	color func(string) string

	stopc    chan struct{}
	stopOnce *sync.Once
	osSig    chan os.Signal

	lg        *zap.Logger
	logWriter io.Writer
	logFile   *os.File

	cfg *trainconfig.Config

	awsSession *session.Session
	s3API      s3iface.S3API
}

// New creates a new launcher after validating the configuration.
func New(cfg *trainconfig.Config) (trainlauncher.Launcher, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	lg, logWriter, logFile, err := logutil.NewWithStderrWriter(cfg.LogLevel, cfg.LogOutputs)
	if err != nil {
		return nil, err
	}
	_ = zap.ReplaceGlobals(lg)
	lg.Info("set up log writer and file", zap.Strings("outputs", cfg.LogOutputs))
	cfg.Sync()

	colorize := cfg.Colorize

	fmt.Fprintf(logWriter, colorize("\n\n\n[yellow]*********************************\n"))
	fmt.Fprintln(logWriter, "😎 🙏 🚶 ✔️ 👍")
	fmt.Fprintf(logWriter, colorize("[light_green]New %q [default](%q)\n\n"), cfg.ConfigPath, version.Version())

	ts := &launcher{
		color:     colorize,
		stopc:     make(chan struct{}),
		stopOnce:  new(sync.Once),
		osSig:     make(chan os.Signal, 1),
		lg:        lg,
		logWriter: logWriter,
		logFile:   logFile,
		cfg:       cfg,
	}
	signal.Notify(ts.osSig, syscall.SIGTERM, syscall.SIGINT)
	defer ts.cfg.Sync()

	if ts.cfg.S3.Enable {
		awsCfg := &pkg_aws.Config{
			Logger:        ts.lg,
			DebugAPICalls: ts.cfg.S3.DebugAPICalls,
			Partition:     ts.cfg.S3.Partition,
			Region:        ts.cfg.S3.Region,
		}
		var stsOutput *sts.GetCallerIdentityOutput
		ts.awsSession, stsOutput, ts.cfg.S3.AWSCredentialPath, err = pkg_aws.New(awsCfg)
		if err != nil {
			return nil, err
		}
		ts.cfg.S3.AWSAccountID = aws.StringValue(stsOutput.Account)
		ts.cfg.S3.AWSUserID = aws.StringValue(stsOutput.UserId)
		ts.cfg.S3.AWSIAMRoleARN = aws.StringValue(stsOutput.Arn)
		ts.cfg.Sync()
		ts.s3API = s3.New(ts.awsSession)
	}

	return ts, nil
}

// Launch starts the training run and blocks until every rank process
// exits, the timeout fires, or "Stop" is called.
func (ts *launcher) Launch() (err error) {
	fmt.Fprintf(ts.logWriter, ts.color("\n\n[yellow]*********************************\n"))
	fmt.Fprintf(ts.logWriter, ts.color("[light_green]LAUNCH START [default](%q, %q)\n"), ts.cfg.ConfigPath, user.Get())

	now := time.Now()

	defer func() {
		fmt.Fprintf(ts.logWriter, ts.color("\n\n[yellow]*********************************\n"))
		fmt.Fprintf(ts.logWriter, ts.color("[light_green]LAUNCH DEFER START [default](%q)\n"), ts.cfg.ConfigPath)
		ts.logFile.Sync()

		if serr := ts.uploadToS3(); serr != nil {
			ts.lg.Warn("failed to upload artifacts to S3", zap.Error(serr))
		}

		if err == nil {
			ts.lg.Info("Launch succeeded",
				zap.String("started", humanize.RelTime(now, time.Now(), "ago", "from now")),
			)
			fmt.Fprintf(ts.logWriter, ts.color("\n\n[yellow]*********************************\n"))
			fmt.Fprintf(ts.logWriter, ts.color("\n\n💯 😁 👍 :) [light_green]LAUNCH SUCCESS\n\n\n"))
		} else {
			ts.lg.Warn("Launch failed",
				zap.String("started", humanize.RelTime(now, time.Now(), "ago", "from now")),
				zap.Error(err),
			)
			fmt.Fprintf(ts.logWriter, ts.color("\n\n\n[light_magenta]LAUNCH FAIL ERROR:\n\n[default]%v\n\n\n"), err)
			fmt.Fprintf(ts.logWriter, ts.color("\n\n[yellow]*********************************\n"))
			fmt.Fprintf(ts.logWriter, ts.color("\n\n🔥 💀 👽 😱 😡  (-_-) [light_magenta]LAUNCH FAIL\n\n\n"))
		}
		fmt.Fprintf(ts.logWriter, "\n\n# to launch again\nunitab-launcher train launch --path %s\n\n", ts.cfg.ConfigPath)
		ts.logFile.Sync()
	}()

	ts.lg.Info("starting Launch",
		zap.String("version", version.Version()),
		zap.String("user", user.Get()),
		zap.String("name", ts.cfg.Name),
	)
	defer ts.cfg.Sync()

	ts.cfg.RecordStatus(trainconfig.StatusValidating)
	fmt.Fprintf(ts.logWriter, ts.color("\n\n[yellow]*********************************\n"))
	fmt.Fprintf(ts.logWriter, ts.color("[light_green]PREFLIGHT [default](%q)\n"), ts.cfg.ConfigPath)
	if err = ts.Preflight(); err != nil {
		ts.cfg.RecordStatus(trainconfig.StatusFailed)
		return err
	}

	if ts.cfg.S3.Enable {
		fmt.Fprintf(ts.logWriter, ts.color("\n\n[yellow]*********************************\n"))
		fmt.Fprintf(ts.logWriter, ts.color("[light_green]createS3 [default](%q)\n"), ts.cfg.ConfigPath)
		if err = ts.createS3(); err != nil {
			ts.cfg.RecordStatus(trainconfig.StatusFailed)
			return err
		}
	}

	ts.cfg.RecordStatus(trainconfig.StatusLaunching)
	if err = ts.cfg.Sync(); err != nil {
		return err
	}
	ts.lg.Info("wrote launch script", zap.String("launch-script-path", ts.cfg.LaunchScriptPath))

	fmt.Fprintf(ts.logWriter, ts.color("\n\n[yellow]*********************************\n"))
	fmt.Fprintf(ts.logWriter, ts.color("[light_green]LAUNCH COMMAND [default](%q)\n"), ts.cfg.LaunchScriptPath)
	fmt.Fprintf(ts.logWriter, "\n%s\n", ts.cfg.LaunchCommands())

	return ts.run()
}

// Stop stops the ongoing launch.
func (ts *launcher) Stop() {
	ts.stopOnce.Do(func() {
		ts.lg.Info("stopping launch")
		close(ts.stopc)
	})
}

// LoadConfig reloads the configuration from disk.
func (ts *launcher) LoadConfig() (trainconfig.Config, error) {
	return *ts.cfg, nil
}
