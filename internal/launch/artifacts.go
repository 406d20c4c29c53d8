package launch

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"

	aws_s3 "github.com/Gy-Lu/unitab-launcher/pkg/aws/s3"
	"github.com/Gy-Lu/unitab-launcher/pkg/fileutil"
)

func (ts *launcher) createS3() (err error) {
	if ts.cfg.S3.BucketCreate {
		if ts.cfg.S3.BucketName == "" {
			return errors.New("empty S3 bucket name")
		}
		if err = aws_s3.CreateBucket(ts.lg, ts.s3API, ts.cfg.S3.BucketName, ts.cfg.S3.Region, ts.cfg.S3.Dir, ts.cfg.S3.BucketLifecycleExpirationDays); err != nil {
			return err
		}
	} else {
		ts.lg.Info("skipping S3 bucket creation")
	}
	if ts.cfg.S3.BucketName == "" {
		ts.lg.Info("skipping s3 bucket creation")
		return nil
	}
	return ts.cfg.Sync()
}

// uploadToS3 uploads the run artifacts: launcher configuration, launch
// script, launcher log, combined run output, per-rank captures, and the
// "log.txt" the training entry point writes under the output directory.
func (ts *launcher) uploadToS3() (err error) {
	if !ts.cfg.S3.Enable || ts.s3API == nil {
		return nil
	}
	if ts.cfg.S3.BucketName == "" {
		ts.lg.Info("skipping s3 uploads; s3 bucket name is empty")
		return nil
	}

	if fileutil.Exist(ts.cfg.ConfigPath) {
		if err = aws_s3.Upload(
			ts.lg,
			ts.s3API,
			ts.cfg.S3.BucketName,
			path.Join(ts.cfg.S3.Dir, "unitab-launcher.config.yaml"),
			ts.cfg.ConfigPath,
		); err != nil {
			return err
		}
	}

	if fileutil.Exist(ts.cfg.LaunchScriptPath) {
		if err = aws_s3.Upload(
			ts.lg,
			ts.s3API,
			ts.cfg.S3.BucketName,
			path.Join(ts.cfg.S3.Dir, "unitab-launcher.launch.sh"),
			ts.cfg.LaunchScriptPath,
		); err != nil {
			return err
		}
	}

	logFilePath := ""
	for _, fpath := range ts.cfg.LogOutputs {
		if filepath.Ext(fpath) == ".log" {
			logFilePath = fpath
			break
		}
	}
	if fileutil.Exist(logFilePath) {
		if err = aws_s3.Upload(
			ts.lg,
			ts.s3API,
			ts.cfg.S3.BucketName,
			path.Join(ts.cfg.S3.Dir, "unitab-launcher.log"),
			logFilePath,
		); err != nil {
			return err
		}
	}

	if fileutil.Exist(ts.cfg.RunLogPath) {
		if err = aws_s3.Upload(
			ts.lg,
			ts.s3API,
			ts.cfg.S3.BucketName,
			path.Join(ts.cfg.S3.Dir, filepath.Base(ts.cfg.RunLogPath)),
			ts.cfg.RunLogPath,
		); err != nil {
			return err
		}
	}

	for rank := 0; ; rank++ {
		w, ok := ts.cfg.Workers[fmt.Sprintf("rank-%d", rank)]
		if !ok {
			break
		}
		// wrapper mode records the combined run output, uploaded above
		if w.LogPath == ts.cfg.RunLogPath || !fileutil.Exist(w.LogPath) {
			continue
		}
		if err = aws_s3.Upload(
			ts.lg,
			ts.s3API,
			ts.cfg.S3.BucketName,
			path.Join(ts.cfg.S3.Dir, filepath.Base(w.LogPath)),
			w.LogPath,
		); err != nil {
			return err
		}
	}

	trainLog := filepath.Join(ts.cfg.ResolvedOutputDir(), "log.txt")
	if fileutil.Exist(trainLog) {
		if err = aws_s3.Upload(
			ts.lg,
			ts.s3API,
			ts.cfg.S3.BucketName,
			path.Join(ts.cfg.S3.Dir, "log.txt"),
			trainLog,
		); err != nil {
			return err
		}
	}

	return nil
}
