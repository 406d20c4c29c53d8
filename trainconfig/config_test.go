package trainconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const testDatasetJSON = `{
  "combine_datasets": ["flickr"],
  "combine_datasets_val": ["flickr"],
  "flickr_img_path": "flickr30k/flickr30k-images",
  "flickr_ann_path": "flickr30k/flickr30k_entities",
  "GT_type": "separate",
  "refexp_dataset_name": "flickr"
}
`

// writeTestConfig returns a configuration whose file outputs all live
// under a temporary directory.
func writeTestConfig(t *testing.T) *Config {
	t.Helper()
	dir, err := os.MkdirTemp(os.TempDir(), "unitab-trainconfig")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	datasetPath := filepath.Join(dir, "flickr.json")
	if err = os.WriteFile(datasetPath, []byte(testDatasetJSON), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefault()
	cfg.ConfigPath = filepath.Join(dir, cfg.Name+".yaml")
	cfg.OutputDir = filepath.Join(dir, "outputs", "GetRef.Name")
	cfg.LogColorOverride = "false"
	cfg.Dataset.ConfigPath = datasetPath
	return cfg
}

func TestConfigDefaults(t *testing.T) {
	cfg := writeTestConfig(t)
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}

	if cfg.Distributed.NprocPerNode != 2 {
		t.Fatalf("unexpected cfg.Distributed.NprocPerNode %d", cfg.Distributed.NprocPerNode)
	}
	if cfg.Distributed.WorldSize != 2 {
		t.Fatalf("unexpected cfg.Distributed.WorldSize %d", cfg.Distributed.WorldSize)
	}
	if cfg.Distributed.MasterAddr != "127.0.0.1" {
		t.Fatalf("unexpected cfg.Distributed.MasterAddr %q", cfg.Distributed.MasterAddr)
	}
	if cfg.Distributed.MasterPort != 29500 {
		t.Fatalf("unexpected cfg.Distributed.MasterPort %d", cfg.Distributed.MasterPort)
	}
	if cfg.Distributed.Backend != "nccl" {
		t.Fatalf("unexpected cfg.Distributed.Backend %q", cfg.Distributed.Backend)
	}
	if cfg.Distributed.DistURL != "env://" {
		t.Fatalf("unexpected cfg.Distributed.DistURL %q", cfg.Distributed.DistURL)
	}
	if cfg.Distributed.CUDAVisibleDevices != "0,1" {
		t.Fatalf("unexpected cfg.Distributed.CUDAVisibleDevices %q", cfg.Distributed.CUDAVisibleDevices)
	}
	if cfg.Distributed.CublasWorkspaceConfig != ":4096:8" {
		t.Fatalf("unexpected cfg.Distributed.CublasWorkspaceConfig %q", cfg.Distributed.CublasWorkspaceConfig)
	}
	if cfg.Runtime.EntryScript != "main.py" {
		t.Fatalf("unexpected cfg.Runtime.EntryScript %q", cfg.Runtime.EntryScript)
	}
	if cfg.Runtime.LauncherModule != "torch.distributed.launch" {
		t.Fatalf("unexpected cfg.Runtime.LauncherModule %q", cfg.Runtime.LauncherModule)
	}
	if cfg.Runtime.PythonPath == "" {
		t.Fatal("expected non-empty cfg.Runtime.PythonPath")
	}

	if !strings.HasSuffix(cfg.LaunchScriptPath, ".launch.sh") {
		t.Fatalf("unexpected cfg.LaunchScriptPath %q", cfg.LaunchScriptPath)
	}
	if strings.Contains(cfg.OutputDir, "GetRef.Name") {
		t.Fatalf("unexpected cfg.OutputDir %q", cfg.OutputDir)
	}
	if !strings.HasSuffix(cfg.OutputDir, cfg.Name) {
		t.Fatalf("unexpected cfg.OutputDir %q", cfg.OutputDir)
	}
	if cfg.RunLogPath != filepath.Join(cfg.OutputDir, "launcher-output.log") {
		t.Fatalf("unexpected cfg.RunLogPath %q", cfg.RunLogPath)
	}
	if len(cfg.LogOutputs) != 2 || cfg.LogOutputs[1] != cfg.ConfigPath+".log" {
		t.Fatalf("unexpected cfg.LogOutputs %q", cfg.LogOutputs)
	}

	// validation is idempotent
	prevOutputDir := cfg.OutputDir
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	if cfg.OutputDir != prevOutputDir {
		t.Fatalf("unexpected cfg.OutputDir %q", cfg.OutputDir)
	}
}

func TestLaunchScript(t *testing.T) {
	cfg := writeTestConfig(t)
	cfg.Envs = map[string]string{"NCCL_DEBUG": "INFO"}
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}

	d, err := os.ReadFile(cfg.LaunchScriptPath)
	if err != nil {
		t.Fatal(err)
	}
	script := string(d)

	if !strings.HasPrefix(script, "#!/bin/bash\nset -e\nset -x\n") {
		t.Fatalf("unexpected script header %q", script)
	}
	if !strings.Contains(script, "export CUBLAS_WORKSPACE_CONFIG=:4096:8\n") {
		t.Fatalf("launch script missing CUBLAS export:\n%s", script)
	}
	if !strings.Contains(script, "export CUDA_VISIBLE_DEVICES=0,1\n") {
		t.Fatalf("launch script missing CUDA export:\n%s", script)
	}
	if !strings.Contains(script, "export NCCL_DEBUG=INFO\n") {
		t.Fatalf("launch script missing extra env export:\n%s", script)
	}
	if !strings.Contains(script, "-m torch.distributed.launch --nproc_per_node=2 --master_port=29500 main.py --dataset_config") {
		t.Fatalf("launch script missing launcher command:\n%s", script)
	}
	if script != cmdTop+cfg.LaunchCommands() {
		t.Fatal("launch script does not match LaunchCommands output")
	}
}

func TestLoad(t *testing.T) {
	cfg := writeTestConfig(t)
	cfg.Modes.DoCaption = true
	cfg.Hyperparameters.BatchSize = 8
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}

	cfg2, err := Load(cfg.ConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg2.Name != cfg.Name {
		t.Fatalf("unexpected cfg2.Name %q", cfg2.Name)
	}
	if !reflect.DeepEqual(cfg2.Distributed, cfg.Distributed) {
		t.Fatalf("unexpected cfg2.Distributed %+v", cfg2.Distributed)
	}
	if !reflect.DeepEqual(cfg2.Hyperparameters, cfg.Hyperparameters) {
		t.Fatalf("unexpected cfg2.Hyperparameters %+v", cfg2.Hyperparameters)
	}
	if !cfg2.Modes.DoCaption {
		t.Fatalf("unexpected cfg2.Modes.DoCaption %v", cfg2.Modes.DoCaption)
	}

	// unknown keys are rejected
	p := filepath.Join(filepath.Dir(cfg.ConfigPath), "unknown.yaml")
	if err = os.WriteFile(p, []byte("name: x\nno-such-field: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err = Load(p); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestRecordStatus(t *testing.T) {
	cfg := writeTestConfig(t)
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}

	cfg.RecordStatus(StatusValidating)
	if cfg.StatusCurrent != StatusValidating {
		t.Fatalf("unexpected cfg.StatusCurrent %q", cfg.StatusCurrent)
	}
	cfg.RecordStatus(StatusRunning)
	if !cfg.Launched {
		t.Fatalf("unexpected cfg.Launched %v", cfg.Launched)
	}
	cfg.RecordStatus(StatusCompleted)
	if cfg.Launched {
		t.Fatalf("unexpected cfg.Launched %v", cfg.Launched)
	}
	if len(cfg.Status) != 3 {
		t.Fatalf("unexpected len(cfg.Status) %d", len(cfg.Status))
	}
	if cfg.Status[0].Status != StatusCompleted {
		t.Fatalf("unexpected cfg.Status[0] %+v", cfg.Status[0])
	}
	if cfg.Status[2].Status != StatusValidating {
		t.Fatalf("unexpected cfg.Status[2] %+v", cfg.Status[2])
	}

	cfg.RecordWorker(Worker{Rank: 0, PID: 123, LogPath: "worker-0.log"})
	cfg.RecordWorker(Worker{Rank: 1, PID: 124, LogPath: "worker-1.log", ExitCode: 1, Error: "exit status 1"})
	if len(cfg.Workers) != 2 {
		t.Fatalf("unexpected len(cfg.Workers) %d", len(cfg.Workers))
	}
	if cfg.Workers["rank-0"].PID != 123 {
		t.Fatalf("unexpected cfg.Workers[rank-0] %+v", cfg.Workers["rank-0"])
	}
	if cfg.Workers["rank-1"].ExitCode != 1 {
		t.Fatalf("unexpected cfg.Workers[rank-1] %+v", cfg.Workers["rank-1"])
	}

	cfg.SetExitCode(1)
	cfg2, err := Load(cfg.ConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg2.ExitCode != 1 {
		t.Fatalf("unexpected cfg2.ExitCode %d", cfg2.ExitCode)
	}
	if len(cfg2.Workers) != 2 {
		t.Fatalf("unexpected len(cfg2.Workers) %d", len(cfg2.Workers))
	}
}

func TestColorize(t *testing.T) {
	cfg := writeTestConfig(t)
	cfg.LogColor = false
	if v := cfg.Colorize("[red]hello"); v != "hello" {
		t.Fatalf("unexpected %q", v)
	}
	cfg.LogColor = true
	if v := cfg.Colorize("[red]hello"); !strings.Contains(v, "hello") {
		t.Fatalf("unexpected %q", v)
	}
}

func TestValidateErrors(t *testing.T) {
	cfg := writeTestConfig(t)
	cfg.Name = "UNITAB-UPPER"
	err := cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "must be in lower-case") {
		t.Fatalf("unexpected error %v", err)
	}

	cfg = writeTestConfig(t)
	cfg.Distributed.MasterPort = 80
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "must be in [1024, 65535]") {
		t.Fatalf("unexpected error %v", err)
	}

	cfg = writeTestConfig(t)
	cfg.Distributed.Backend = "tcp"
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "unknown Distributed.Backend") {
		t.Fatalf("unexpected error %v", err)
	}

	cfg = writeTestConfig(t)
	cfg.Distributed.CUDAVisibleDevices = "0"
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "less than Distributed.NprocPerNode") {
		t.Fatalf("unexpected error %v", err)
	}

	cfg = writeTestConfig(t)
	cfg.Modes.DoFlickrGrounding = true
	cfg.Modes.DoCaption = true
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "Modes.DoCaption") {
		t.Fatalf("unexpected error %v", err)
	}

	cfg = writeTestConfig(t)
	cfg.Hyperparameters.Optimizer = "lamb"
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "unknown Hyperparameters.Optimizer") {
		t.Fatalf("unexpected error %v", err)
	}

	cfg = writeTestConfig(t)
	cfg.Checkpoint.FrozenWeights = "frozen.pth"
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "requires Checkpoint.Resume") {
		t.Fatalf("unexpected error %v", err)
	}

	cfg = writeTestConfig(t)
	cfg.DeepSpeed.Enable = true
	cfg.ColossalAI.Enable = true
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("unexpected error %v", err)
	}

	cfg = writeTestConfig(t)
	cfg.Envs = map[string]string{"CUDA_VISIBLE_DEVICES": "7"}
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "reserved for the launcher") {
		t.Fatalf("unexpected error %v", err)
	}
}
