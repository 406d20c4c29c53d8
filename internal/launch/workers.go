package launch

import (
	"context"
	"fmt"
	"io"
	"os"
	os_exec "os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Gy-Lu/unitab-launcher/pkg/ctxutil"
	"github.com/Gy-Lu/unitab-launcher/pkg/spinner"
	"github.com/Gy-Lu/unitab-launcher/pkg/timeutil"
	"github.com/Gy-Lu/unitab-launcher/trainconfig"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
)

// workerProc is one spawned rank process and its output capture.
type workerProc struct {
	rank     int
	cmd      *os_exec.Cmd
	logPath  string
	logFile  *os.File
	started  time.Time
	finished bool
}

type workerResult struct {
	rank int
	err  error
}

func (ts *launcher) run() (err error) {
	launchStart := time.Now()
	defer func() {
		ts.cfg.TimeFrameLaunch = timeutil.NewTimeFrame(launchStart, time.Now())
		ts.cfg.Sync()
	}()

	// cancel kills every leftover rank process
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var timeoutc <-chan time.Time
	if ts.cfg.TimeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(ts.cfg.TimeoutSeconds) * time.Second)
		defer timer.Stop()
		timeoutc = timer.C
	}

	runFile, err := os.OpenFile(ts.cfg.RunLogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("could not open run log %q (%v)", ts.cfg.RunLogPath, err)
	}
	defer runFile.Close()

	n := 1
	if ts.cfg.Runtime.Embedded {
		n = ts.cfg.Distributed.NprocPerNode
	}
	outDir := ts.cfg.ResolvedOutputDir()

	workers := make([]*workerProc, 0, n)
	errc := make(chan workerResult, n)
	for rank := 0; rank < n; rank++ {
		var w *workerProc
		w, err = ts.startWorker(ctx, rank, outDir, runFile)
		if err != nil {
			ts.lg.Warn("failed to start rank process; stopping the already started",
				zap.Int("rank", rank),
				zap.Error(err),
			)
			ts.drainWorkers(cancel, workers, errc, len(workers))
			ts.cfg.RecordStatus(trainconfig.StatusFailed)
			ts.cfg.SetExitCode(1)
			return err
		}
		workers = append(workers, w)
		go func(w *workerProc) {
			errc <- workerResult{rank: w.rank, err: w.cmd.Wait()}
		}(w)
	}

	ts.cfg.RecordStatus(trainconfig.StatusRunning)

	sp := spinner.New(ts.logWriter, fmt.Sprintf("Waiting for %d rank process(es)", len(workers)))
	sp.Restart()

	stopped := false
	var runErr error
	failCode := 0
	done := 0
	for done < len(workers) {
		select {
		case res := <-errc:
			done++
			code := ts.recordExit(workers[res.rank], res.err)
			if res.err != nil && runErr == nil {
				runErr = fmt.Errorf("rank %d returned %v", res.rank, res.err)
				failCode = code
				if done < len(workers) {
					ts.lg.Warn("rank process failed; interrupting remaining ranks",
						zap.Int("rank", res.rank),
						zap.Error(res.err),
					)
					done += ts.drainWorkers(cancel, workers, errc, len(workers)-done)
				}
			}

		case <-ts.stopc:
			stopped = true
			ts.lg.Info("stop requested; interrupting rank processes")
			done += ts.drainWorkers(cancel, workers, errc, len(workers)-done)

		case sig := <-ts.osSig:
			stopped = true
			runErr = fmt.Errorf("received os signal %v", sig)
			ts.lg.Warn("received os signal; interrupting rank processes",
				zap.String("signal", sig.String()),
			)
			done += ts.drainWorkers(cancel, workers, errc, len(workers)-done)

		case <-timeoutc:
			runErr = fmt.Errorf("launch timed out after %ds", ts.cfg.TimeoutSeconds)
			ts.lg.Warn("launch timed out; interrupting rank processes",
				zap.Uint64("timeout-seconds", ts.cfg.TimeoutSeconds),
			)
			done += ts.drainWorkers(cancel, workers, errc, len(workers)-done)
		}
	}
	sp.Stop()

	// the rank that triggered the teardown owns the run exit code; the
	// interrupted ranks die with -1 and would mask the root cause
	exitCode := failCode
	if exitCode == 0 {
		for _, w := range workers {
			code := ts.cfg.Workers[fmt.Sprintf("rank-%d", w.rank)].ExitCode
			if code != 0 {
				exitCode = code
				break
			}
		}
	}

	switch {
	case stopped:
		ts.cfg.RecordStatus(trainconfig.StatusStopped)
		if runErr == nil {
			runErr = fmt.Errorf("launch stopped (exit code %d)", exitCode)
		}
	case runErr != nil || exitCode != 0:
		ts.cfg.RecordStatus(trainconfig.StatusFailed)
		if runErr == nil {
			runErr = fmt.Errorf("launch failed (exit code %d)", exitCode)
		}
	default:
		ts.cfg.RecordStatus(trainconfig.StatusCompleted)
	}
	if exitCode == 0 && runErr != nil {
		exitCode = 1
	}
	ts.cfg.SetExitCode(exitCode)

	ts.lg.Info("run finished",
		zap.Int("workers", len(workers)),
		zap.Int("exit-code", exitCode),
		zap.String("status", ts.cfg.StatusCurrent),
	)
	return runErr
}

func (ts *launcher) startWorker(ctx context.Context, rank int, outDir string, runFile *os.File) (w *workerProc, err error) {
	w = &workerProc{rank: rank, started: time.Now()}

	var args []string
	var envs []string
	var stdout, stderr io.Writer
	if ts.cfg.Runtime.Embedded {
		args = append([]string{ts.cfg.Runtime.EntryScript}, ts.cfg.BuildArgs()...)
		envs = ts.cfg.BuildEnv(rank)
		w.logPath = filepath.Join(outDir, fmt.Sprintf("worker-%d.log", rank))
		w.logFile, err = os.OpenFile(w.logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("could not open worker log %q (%v)", w.logPath, err)
		}
		stdout = io.MultiWriter(w.logFile, runFile)
		stderr = stdout
	} else {
		args = ts.cfg.TorchLaunchArgs()
		envs = ts.cfg.BuildEnv(-1)
		w.logPath = ts.cfg.RunLogPath
		stdout = io.MultiWriter(os.Stdout, runFile)
		stderr = io.MultiWriter(os.Stderr, runFile)
	}

	cmd := os_exec.CommandContext(ctx, ts.cfg.Runtime.PythonPath, args...)
	cmd.Dir = ts.cfg.Runtime.WorkDir
	cmd.Env = envs
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	ts.lg.Info("starting rank process",
		zap.Int("rank", rank),
		zap.String("command", shellquote.Join(append([]string{ts.cfg.Runtime.PythonPath}, args...)...)),
	)
	if err = cmd.Start(); err != nil {
		if w.logFile != nil {
			w.logFile.Close()
		}
		return nil, fmt.Errorf("failed to start rank %d (%v)", rank, err)
	}
	w.cmd = cmd

	ts.lg.Info("started rank process",
		zap.Int("rank", rank),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("log-path", w.logPath),
	)
	ts.cfg.RecordWorker(trainconfig.Worker{
		Rank:    rank,
		PID:     cmd.Process.Pid,
		LogPath: w.logPath,
	})
	return w, nil
}

// drainWorkers interrupts the still-running rank processes, waits the
// grace period for them to exit, kills the leftovers, and records the
// "pending" remaining results. Returns the number of results consumed.
func (ts *launcher) drainWorkers(kill context.CancelFunc, workers []*workerProc, errc <-chan workerResult, pending int) (consumed int) {
	for _, w := range workers {
		if w.finished {
			continue
		}
		ts.lg.Info("sending SIGINT to rank process",
			zap.Int("rank", w.rank),
			zap.Int("pid", w.cmd.Process.Pid),
		)
		if ierr := w.cmd.Process.Signal(syscall.SIGINT); ierr != nil {
			ts.lg.Warn("failed to interrupt rank process", zap.Int("rank", w.rank), zap.Error(ierr))
		}
	}

	waitDur := time.Duration(ts.cfg.OnFailureStopWaitSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), waitDur)
	defer cancel()
	ts.lg.Info("waiting for interrupted rank processes to exit",
		zap.Int("pending", pending),
		zap.String("ctx-time-left", ctxutil.TimeLeftTillDeadline(ctx)),
	)

	for consumed < pending {
		select {
		case res := <-errc:
			ts.recordExit(workers[res.rank], res.err)
			consumed++

		case <-ctx.Done():
			ts.lg.Warn("grace period expired; killing remaining rank processes",
				zap.Duration("waited", waitDur),
			)
			kill()
			for consumed < pending {
				res := <-errc
				ts.recordExit(workers[res.rank], res.err)
				consumed++
			}
		}
	}
	return consumed
}

func (ts *launcher) recordExit(w *workerProc, rerr error) (code int) {
	if w.finished {
		return 0
	}
	w.finished = true
	if w.logFile != nil {
		w.logFile.Close()
	}

	errMsg := ""
	if rerr != nil {
		errMsg = rerr.Error()
		code = 1
		if exitErr, ok := rerr.(*os_exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	ts.lg.Info("rank process exited",
		zap.Int("rank", w.rank),
		zap.Int("exit-code", code),
		zap.String("took", time.Since(w.started).String()),
	)
	ts.cfg.RecordWorker(trainconfig.Worker{
		Rank:      w.rank,
		PID:       w.cmd.Process.Pid,
		LogPath:   w.logPath,
		TimeFrame: timeutil.NewTimeFrame(w.started, time.Now()),
		ExitCode:  code,
		Error:     errMsg,
	})
	return code
}
