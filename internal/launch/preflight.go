package launch

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Gy-Lu/unitab-launcher/pkg/fileutil"
	"github.com/Gy-Lu/unitab-launcher/pkg/httputil"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"k8s.io/utils/exec"
)

// Preflight verifies the run can start on this host.
func (ts *launcher) Preflight() (err error) {
	pyPath, err := exec.New().LookPath(ts.cfg.Runtime.PythonPath)
	if err != nil {
		return fmt.Errorf("python interpreter %q not found (%v)", ts.cfg.Runtime.PythonPath, err)
	}
	ts.cfg.Runtime.PythonPath = pyPath

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	vo, verr := exec.New().CommandContext(ctx, pyPath, "--version").CombinedOutput()
	cancel()
	if verr != nil {
		return fmt.Errorf("'%s --version' failed (output %q, error %v)", pyPath, string(vo), verr)
	}
	ts.lg.Info("python version",
		zap.String("python-path", pyPath),
		zap.String("python-version", strings.TrimSpace(string(vo))),
	)

	entry := ts.cfg.Runtime.EntryScript
	if !filepath.IsAbs(entry) && ts.cfg.Runtime.WorkDir != "" {
		entry = filepath.Join(ts.cfg.Runtime.WorkDir, entry)
	}
	if !fileutil.Exist(entry) {
		return fmt.Errorf("entry script %q does not exist", entry)
	}

	if err = ts.cfg.ParseDatasetOverlay(); err != nil {
		return err
	}
	ts.lg.Info("parsed dataset configuration",
		zap.String("dataset-config-path", ts.cfg.Dataset.ConfigPath),
		zap.Int("overlay-keys", len(ts.cfg.Dataset.Overlay)),
	)

	if err = ts.cfg.ParseBackendConfigs(); err != nil {
		return err
	}

	// embedded mode owns the rendezvous, so the port must be bindable
	if ts.cfg.Runtime.Embedded {
		addr := net.JoinHostPort(ts.cfg.Distributed.MasterAddr, strconv.Itoa(ts.cfg.Distributed.MasterPort))
		var ln net.Listener
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("rendezvous address %q not available (%v)", addr, err)
		}
		ln.Close()
		ts.lg.Info("rendezvous address available", zap.String("addr", addr))
	}

	outDir := ts.cfg.ResolvedOutputDir()
	if err = os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("could not create %q (%v)", outDir, err)
	}
	if err = fileutil.IsDirWriteable(outDir); err != nil {
		return err
	}

	if err = ts.downloadCheckpoints(); err != nil {
		return err
	}

	ts.lg.Info("preflight done", zap.String("output-dir", outDir))
	return ts.cfg.Sync()
}

func isRemote(p string) bool {
	return strings.HasPrefix(p, "https://") || strings.HasPrefix(p, "http://")
}

// downloadCheckpoints fetches remote checkpoints and rewrites the fields
// to the local paths, so argument construction forwards paths the entry
// point can open.
func (ts *launcher) downloadCheckpoints() (err error) {
	for _, cur := range []struct {
		name  string
		field *string
	}{
		{"Checkpoint.Resume", &ts.cfg.Checkpoint.Resume},
		{"Checkpoint.Load", &ts.cfg.Checkpoint.Load},
		{"Checkpoint.FrozenWeights", &ts.cfg.Checkpoint.FrozenWeights},
	} {
		ep := *cur.field
		if ep == "" || !isRemote(ep) {
			continue
		}

		u, perr := url.Parse(ep)
		if perr != nil {
			return fmt.Errorf("failed to parse %s %q (%v)", cur.name, ep, perr)
		}
		base := path.Base(u.Path)
		if base == "." || base == "/" {
			return fmt.Errorf("cannot derive a file name from %s %q", cur.name, ep)
		}

		if err = os.MkdirAll(ts.cfg.Checkpoint.DownloadDir, 0755); err != nil {
			return fmt.Errorf("could not create %q (%v)", ts.cfg.Checkpoint.DownloadDir, err)
		}
		fpath := filepath.Join(ts.cfg.Checkpoint.DownloadDir, base)
		if fileutil.Exist(fpath) {
			ts.lg.Info("skipping checkpoint download; already exist",
				zap.String("checkpoint", cur.name),
				zap.String("path", fpath),
			)
		} else if err = httputil.DownloadFile(ts.lg, os.Stderr, ep, fpath); err != nil {
			return err
		}

		var stat os.FileInfo
		if stat, err = os.Stat(fpath); err != nil {
			return err
		}
		ts.lg.Info("checkpoint ready",
			zap.String("checkpoint", cur.name),
			zap.String("path", fpath),
			zap.String("size", humanize.Bytes(uint64(stat.Size()))),
		)
		*cur.field = fpath
	}
	return nil
}
