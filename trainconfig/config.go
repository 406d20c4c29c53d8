// Package trainconfig defines UniTAB training launch configuration.
package trainconfig

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Gy-Lu/unitab-launcher/pkg/timeutil"
	"github.com/kballard/go-shellquote"
	"github.com/mitchellh/colorstring"
	"sigs.k8s.io/yaml" // must use "sigs.k8s.io/yaml"
)

// UNITAB_LAUNCHER_PREFIX is the environment variable prefix used for "trainconfig".
const UNITAB_LAUNCHER_PREFIX = "UNITAB_LAUNCHER_"

const (
	// DefaultCublasWorkspaceConfig selects fixed-size cuBLAS workspaces so that
	// repeated kernel launches are bitwise reproducible.
	// ref. https://docs.nvidia.com/cuda/cublas/index.html#cublasApi_reproducibility
	DefaultCublasWorkspaceConfig = ":4096:8"
	// DefaultCUDAVisibleDevices is the GPU allowlist for a two-GPU single-node run.
	DefaultCUDAVisibleDevices = "0,1"

	// DefaultLauncherModule is the external process-group launcher module.
	// ref. https://pytorch.org/docs/stable/distributed.html#launch-utility
	DefaultLauncherModule = "torch.distributed.launch"
	// DefaultEntryScript is the training entry point forwarded to the launcher.
	DefaultEntryScript = "main.py"

	DefaultMasterAddr = "127.0.0.1"
	DefaultMasterPort = 29500
	// DefaultBackend is the default process-group backend.
	DefaultBackend = "nccl"
	// DefaultDistURL tells the entry point to read the rendezvous
	// coordinates from RANK/WORLD_SIZE/MASTER_ADDR/MASTER_PORT.
	DefaultDistURL = "env://"

	// WorkersMaxLimit is the maximum number of rank processes on a single node.
	WorkersMaxLimit = 64
)

// Config defines a UniTAB training launch.
type Config struct {
	mu *sync.RWMutex

	// Launched is true while rank processes are running.
	Launched        bool               `json:"launched" read-only:"true"`
	TimeFrameLaunch timeutil.TimeFrame `json:"time-frame-launch" read-only:"true"`
	// StatusCurrent represents the current status of the run.
	StatusCurrent string `json:"status-current" read-only:"true"`
	// Status represents the status transitions of the run, latest first.
	Status []Status `json:"status" read-only:"true"`
	// ExitCode is the exit status of the finished run; the exit code of
	// the rank that failed first, 0 when every rank succeeded.
	ExitCode int `json:"exit-code" read-only:"true"`
	// Workers maps "rank-N" to the recorded rank process.
	Workers map[string]Worker `json:"workers" read-only:"true"`

	// Name is the run name.
	// If empty, launcher auto-populates it.
	Name string `json:"name"`

	// ConfigPath is the configuration file path.
	// Launcher is expected to update this file with latest status.
	ConfigPath string `json:"config-path,omitempty"`
	// LaunchScriptPath is the output path for the generated launch script,
	// the exact shell rendition of this configuration.
	// Written on every sync, next to "ConfigPath".
	LaunchScriptPath string `json:"launch-script-path,omitempty"`

	// LogColor is true to output logs in color.
	LogColor bool `json:"log-color"`
	// LogColorOverride is not empty to override "LogColor" setting.
	// If not empty, the automatic color check is not even run and use this value instead.
	// Useful to skip terminal color check when there is no color device (e.g., CI worker).
	LogColorOverride string `json:"log-color-override"`
	// LogLevel configures log level. Only supports debug, info, warn, error, panic, or fatal. Default 'info'.
	LogLevel string `json:"log-level"`
	// LogOutputs is a list of log outputs. Valid values are 'default', 'stderr', 'stdout', or file names.
	// Logs are appended to the existing file, if any.
	// Multiple values are accepted. If empty, it sets to 'default', which outputs to stderr.
	// See https://pkg.go.dev/go.uber.org/zap#Open and https://pkg.go.dev/go.uber.org/zap#Config for more details.
	LogOutputs []string `json:"log-outputs,omitempty"`

	// OutputDir is the directory the training job writes checkpoints and
	// "log.txt" to. The reserved key "GetRef.Name" is replaced with the
	// run name during validation.
	OutputDir string `json:"output-dir"`
	// RunLogPath is the combined launcher and worker output capture.
	// If empty, it defaults to "launcher-output.log" under "OutputDir".
	RunLogPath string `json:"run-log-path,omitempty"`

	// TimeoutSeconds bounds the whole launch. 0 means no limit.
	TimeoutSeconds uint64 `json:"timeout-seconds"`
	// OnFailureStopWaitSeconds is the seconds to wait after interrupting
	// remaining rank processes before killing them, when one rank fails.
	OnFailureStopWaitSeconds uint64 `json:"on-failure-stop-wait-seconds"`

	// Envs is the extra environment passed through to every rank process.
	Envs map[string]string `json:"envs,omitempty"`

	Runtime         *Runtime         `json:"runtime"`
	Distributed     *Distributed     `json:"distributed"`
	Hyperparameters *Hyperparameters `json:"hyperparameters"`
	Modes           *Modes           `json:"modes"`
	Dataset         *Dataset         `json:"dataset"`
	DeepSpeed       *DeepSpeed       `json:"deepspeed"`
	ColossalAI      *ColossalAI      `json:"colossalai"`
	Checkpoint      *Checkpoint      `json:"checkpoint"`
	S3              *S3              `json:"s3"`
}

// Runtime defines how the training entry point is executed.
type Runtime struct {
	// PythonPath is the python interpreter.
	// If empty, resolved via PATH lookup of "python3" then "python".
	PythonPath string `json:"python-path"`
	// EntryScript is the training entry point, relative to "WorkDir".
	EntryScript string `json:"entry-script"`
	// WorkDir is the working directory for the rank processes.
	// If empty, the launcher's working directory is used.
	WorkDir string `json:"work-dir"`
	// LauncherModule is the python module wrapped in wrapper mode.
	LauncherModule string `json:"launcher-module"`
	// Embedded is true to make this process spawn and supervise the rank
	// processes itself, instead of wrapping "LauncherModule".
	Embedded bool `json:"embedded"`
}

func getDefaultRuntime() *Runtime {
	return &Runtime{
		EntryScript:    DefaultEntryScript,
		LauncherModule: DefaultLauncherModule,
		Embedded:       false,
	}
}

// Distributed defines the process group and the GPU environment.
type Distributed struct {
	// NprocPerNode is the number of rank processes on this node.
	NprocPerNode int `json:"nproc-per-node"`
	// WorldSize is the total number of rank processes.
	// Single-node runs keep this equal to "NprocPerNode".
	WorldSize int `json:"world-size"`
	// MasterAddr is the rendezvous address of rank 0.
	MasterAddr string `json:"master-addr"`
	// MasterPort is the rendezvous port of rank 0.
	MasterPort int `json:"master-port"`
	// Backend is the process-group backend. Only supports nccl, gloo, or mpi.
	Backend string `json:"backend"`
	// DistURL is the init method URL forwarded to the entry point.
	DistURL string `json:"dist-url"`
	// CUDAVisibleDevices is the GPU allowlist exported to every rank process.
	CUDAVisibleDevices string `json:"cuda-visible-devices"`
	// CublasWorkspaceConfig is the cuBLAS determinism workspace setting
	// exported to every rank process.
	CublasWorkspaceConfig string `json:"cublas-workspace-config"`
}

func getDefaultDistributed() *Distributed {
	return &Distributed{
		NprocPerNode:          2,
		WorldSize:             2,
		MasterAddr:            DefaultMasterAddr,
		MasterPort:            DefaultMasterPort,
		Backend:               DefaultBackend,
		DistURL:               DefaultDistURL,
		CUDAVisibleDevices:    DefaultCUDAVisibleDevices,
		CublasWorkspaceConfig: DefaultCublasWorkspaceConfig,
	}
}

// Hyperparameters defines the optimization settings forwarded to the
// training entry point, opaque to the launcher.
type Hyperparameters struct {
	// LR is the base learning rate.
	LR float64 `json:"lr"`
	// LRBackbone is the learning rate of the convolutional backbone.
	LRBackbone float64 `json:"lr-backbone"`
	// TextEncoderLR is the learning rate of the text encoder.
	TextEncoderLR float64 `json:"text-encoder-lr"`
	// BatchSize is the per-process batch size.
	BatchSize   int     `json:"batch-size"`
	WeightDecay float64 `json:"weight-decay"`
	Epochs      int     `json:"epochs"`
	// LRDrop is the epoch the learning rate is dropped at.
	LRDrop int `json:"lr-drop"`
	// Optimizer only supports adam, adamw, or sgd.
	Optimizer string `json:"optimizer"`
	// ClipMaxNorm is the gradient clipping max norm.
	ClipMaxNorm float64 `json:"clip-max-norm"`
	// Schedule only supports step, multistep, linear_with_warmup, or
	// all_linear_with_warmup.
	Schedule string `json:"schedule"`
	// EMA is true to keep an exponential moving average of the weights.
	EMA      bool    `json:"ema"`
	EMADecay float64 `json:"ema-decay"`
	// FractionWarmupSteps is the fraction of total steps spent warming up.
	FractionWarmupSteps float64 `json:"fraction-warmup-steps"`
	// NumQueries is the number of object tokens.
	NumQueries int `json:"num-queries"`
	// MaxDecodingStep bounds text generation length.
	MaxDecodingStep int `json:"max-decoding-step"`
	// EvalSkip runs evaluation every "EvalSkip" epochs.
	EvalSkip int `json:"eval-skip"`
	// NumWorkers is the number of dataloader workers per rank process.
	NumWorkers int `json:"num-workers"`
	Seed       int `json:"seed"`
	StartEpoch int `json:"start-epoch"`
}

func getDefaultHyperparameters() *Hyperparameters {
	return &Hyperparameters{
		LR:                  1e-4,
		LRBackbone:          1e-5,
		TextEncoderLR:       5e-5,
		BatchSize:           2,
		WeightDecay:         1e-4,
		Epochs:              40,
		LRDrop:              35,
		Optimizer:           "adam",
		ClipMaxNorm:         0.1,
		Schedule:            "linear_with_warmup",
		EMA:                 true,
		EMADecay:            0.9998,
		FractionWarmupSteps: 0.01,
		NumQueries:          200,
		MaxDecodingStep:     256,
		EvalSkip:            1,
		NumWorkers:          5,
		Seed:                42,
		StartEpoch:          0,
	}
}

// Modes defines the task switches forwarded to the training entry point.
type Modes struct {
	// UnitabPretrain is true to run the split-text pretraining stage.
	UnitabPretrain bool `json:"unitab-pretrain"`
	// PretrainSeqcrop is how the target sequence is cropped during
	// pretraining. Only supports first, rand, grounding, or mixed.
	PretrainSeqcrop string `json:"pretrain-seqcrop"`
	// DoCaption is true to do text generation.
	DoCaption bool `json:"do-caption"`
	// DoFlickrGrounding is true to run the flickr grounding task.
	// Requires "DoCaption" and "NoDetection" to be false.
	DoFlickrGrounding bool `json:"do-flickrgrounding"`
	// NoDetection is true to skip training the detector.
	NoDetection bool `json:"no-detection"`
	// FreezeTextEncoder is true to freeze the text encoder weights.
	FreezeTextEncoder bool `json:"freeze-text-encoder"`
	// Eval is true to run evaluation only.
	Eval bool `json:"eval"`
	// Test is true to run on the test split.
	Test bool `json:"test"`
	// TestType only supports test, testA, or testB.
	TestType string `json:"test-type"`
}

func getDefaultModes() *Modes {
	return &Modes{
		PretrainSeqcrop: "mixed",
		TestType:        "test",
	}
}

// Dataset defines the dataset configuration forwarded to the entry point.
type Dataset struct {
	// ConfigPath is the dataset configuration JSON, forwarded verbatim.
	// Required.
	ConfigPath string `json:"config-path"`
	// CombineDatasets lists the datasets combined for training.
	CombineDatasets []string `json:"combine-datasets"`
	// CombineDatasetsVal lists the datasets combined for evaluation.
	CombineDatasetsVal []string `json:"combine-datasets-val"`
	// Overlay holds the keys from "ConfigPath" the entry point overlays
	// onto its argument namespace, recorded during preflight.
	Overlay map[string]string `json:"overlay,omitempty" read-only:"true"`
}

func getDefaultDataset() *Dataset {
	return &Dataset{
		CombineDatasets:    []string{"flickr"},
		CombineDatasetsVal: []string{"flickr"},
	}
}

// DeepSpeed defines the DeepSpeed optimization backend hand-off.
type DeepSpeed struct {
	// Enable is true to initialize the entry point from DeepSpeed.
	Enable bool `json:"enable"`
	// ConfigPath is the DeepSpeed configuration JSON. Required when enabled.
	ConfigPath string `json:"config-path"`

	// TrainBatchSize is the effective batch size pinned by "ConfigPath".
	TrainBatchSize int `json:"train-batch-size" read-only:"true"`
	// TrainMicroBatchSizePerGPU is the per-GPU micro batch pinned by "ConfigPath".
	TrainMicroBatchSizePerGPU int `json:"train-micro-batch-size-per-gpu" read-only:"true"`
	// GradientAccumulationSteps is the accumulation steps pinned by "ConfigPath".
	GradientAccumulationSteps int `json:"gradient-accumulation-steps" read-only:"true"`
}

func getDefaultDeepSpeed() *DeepSpeed {
	return &DeepSpeed{
		Enable: false,
	}
}

// ColossalAI defines the Colossal-AI optimization backend hand-off.
// Mutually exclusive with DeepSpeed.
type ColossalAI struct {
	// Enable is true to initialize the entry point from Colossal-AI.
	Enable bool `json:"enable"`
	// ConfigPath is the Colossal-AI configuration file. Required when enabled.
	ConfigPath string `json:"config-path"`
}

func getDefaultColossalAI() *ColossalAI {
	return &ColossalAI{
		Enable: false,
	}
}

// Checkpoint defines the weights the training run starts from.
type Checkpoint struct {
	// Resume is the checkpoint to resume from; a local path or an
	// "https://" URL downloaded during preflight.
	Resume string `json:"resume"`
	// Load is the checkpoint to load weights from, without optimizer state.
	Load string `json:"load"`
	// FrozenWeights is the pretrained model path. If set, only the mask
	// head is trained. Requires "Resume".
	FrozenWeights string `json:"frozen-weights"`
	// DownloadDir is where remote checkpoints are stored.
	// If empty, it defaults to "checkpoints" under "OutputDir".
	DownloadDir string `json:"download-dir"`
}

func getDefaultCheckpoint() *Checkpoint {
	return &Checkpoint{}
}

// S3 defines run artifact upload.
type S3 struct {
	// Enable is true to upload run artifacts after the run.
	Enable bool `json:"enable"`
	// Partition is the AWS partition of the artifact bucket region.
	// If empty, set default partition "aws".
	Partition string `json:"partition"`
	// Region is the AWS geographic area of the artifact bucket.
	// If empty, set default region.
	Region string `json:"region"`
	// BucketCreate is true to auto-create the artifact bucket.
	BucketCreate bool `json:"bucket-create"`
	// BucketCreateKeep is true to not delete the auto-created bucket.
	// The created bucket is kept.
	BucketCreateKeep bool `json:"bucket-create-keep"`
	// BucketName is the name of the artifact bucket.
	BucketName string `json:"bucket-name"`
	// BucketLifecycleExpirationDays is expiration in days for the lifecycle of the object.
	BucketLifecycleExpirationDays int64 `json:"bucket-lifecycle-expiration-days"`
	// Dir is the S3 directory to store all run artifacts.
	// It is under "BucketName".
	Dir string `json:"dir"`
	// DebugAPICalls is true to log all AWS API call debugging messages.
	DebugAPICalls bool `json:"debug-api-calls"`

	// AWSAccountID is the account ID of the launcher caller session.
	AWSAccountID string `json:"aws-account-id" read-only:"true"`
	// AWSUserID is the user ID of the launcher caller session.
	AWSUserID string `json:"aws-user-id" read-only:"true"`
	// AWSIAMRoleARN is the user IAM Role ARN of the launcher caller session.
	AWSIAMRoleARN string `json:"aws-iam-role-arn" read-only:"true"`
	// AWSCredentialPath is automatically set via AWS SDK Go.
	AWSCredentialPath string `json:"aws-credential-path" read-only:"true"`
}

func getDefaultS3() *S3 {
	return &S3{
		Enable:                        false,
		Partition:                     "aws",
		Region:                        "us-west-2",
		BucketCreate:                  true,
		BucketCreateKeep:              true,
		BucketLifecycleExpirationDays: 0,
	}
}

func (c Config) Colorize(input string) string {
	colorize := colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Disable: !c.LogColor,
		Reset:   true,
	}
	return colorize.Color(input)
}

// Status is the status.
type Status struct {
	Time   time.Time `json:"time"`
	Status string    `json:"status"`
}

const (
	StatusValidating = "validating"
	StatusLaunching  = "launching"
	StatusRunning    = "running"
	StatusStopped    = "stopped"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// RecordStatus records run status.
func (cfg *Config) RecordStatus(status string) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	cfg.StatusCurrent = status
	switch status {
	case StatusRunning:
		cfg.Launched = true
	case StatusStopped, StatusCompleted, StatusFailed:
		cfg.Launched = false
	}

	sv := Status{Time: time.Now(), Status: status}
	n := len(cfg.Status)
	if n == 0 {
		cfg.Status = []Status{sv}
		cfg.unsafeSync()
		return
	}

	copied := make([]Status, n+1)
	copy(copied[1:], cfg.Status)
	copied[0] = sv
	cfg.Status = copied
	cfg.unsafeSync()
}

// Worker represents one rank process.
type Worker struct {
	// Rank is the global rank; equals the local rank on a single node.
	Rank int `json:"rank"`
	// PID is the operating system process ID.
	PID int `json:"pid"`
	// LogPath is the per-rank output capture.
	LogPath   string             `json:"log-path"`
	TimeFrame timeutil.TimeFrame `json:"time-frame" read-only:"true"`
	ExitCode  int                `json:"exit-code"`
	Error     string             `json:"error,omitempty"`
}

// RecordWorker records one rank process state under "rank-N".
func (cfg *Config) RecordWorker(w Worker) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if cfg.Workers == nil {
		cfg.Workers = make(map[string]Worker)
	}
	cfg.Workers[fmt.Sprintf("rank-%d", w.Rank)] = w
	cfg.unsafeSync()
}

// SetExitCode records the exit status of the finished run.
func (cfg *Config) SetExitCode(code int) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	cfg.ExitCode = code
	cfg.unsafeSync()
}

// Load loads configuration from YAML.
//
// Example usage:
//
//  import "github.com/Gy-Lu/unitab-launcher/trainconfig"
//  cfg, err := trainconfig.Load("unitab.yaml")
//  err = cfg.ValidateAndSetDefaults()
//
// Do not set default values in this function.
// "ValidateAndSetDefaults" must be called separately,
// to prevent overwriting previous data when loaded from disks.
func Load(p string) (cfg *Config, err error) {
	var d []byte
	d, err = os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	cfg = new(Config)
	if err = yaml.Unmarshal(d, cfg, yaml.DisallowUnknownFields); err != nil {
		return nil, err
	}

	cfg.mu = new(sync.RWMutex)
	if cfg.ConfigPath != p {
		cfg.ConfigPath = p
	}
	var ap string
	ap, err = filepath.Abs(p)
	if err != nil {
		return nil, err
	}
	cfg.ConfigPath = ap
	cfg.unsafeSync()

	return cfg, nil
}

// Sync persists current configuration and states to disk.
func (cfg *Config) Sync() (err error) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	return cfg.unsafeSync()
}

func (cfg *Config) unsafeSync() (err error) {
	var p string
	if cfg.ConfigPath != "" && !filepath.IsAbs(cfg.ConfigPath) {
		p, err = filepath.Abs(cfg.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to 'filepath.Abs(%s)' %v", cfg.ConfigPath, err)
		}
		cfg.ConfigPath = p
	}
	var d []byte
	d, err = yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to 'yaml.Marshal' %v", err)
	}

	err = os.WriteFile(cfg.ConfigPath, d, 0600)
	if err != nil {
		return fmt.Errorf("failed to write file %q (%v)", cfg.ConfigPath, err)
	}
	if cfg.LaunchScriptPath != "" {
		err = os.WriteFile(cfg.LaunchScriptPath, []byte(cmdTop+cfg.unsafeLaunchCommands()), 0600)
		if err != nil {
			return fmt.Errorf("failed to write file %q (%v)", cfg.LaunchScriptPath, err)
		}
	}

	return nil
}

const cmdTop = `#!/bin/bash
set -e
set -x

`

// LaunchCommands returns the shell rendition of the run, the body of the
// generated launch script.
func (cfg *Config) LaunchCommands() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.unsafeLaunchCommands()
}

func (cfg *Config) unsafeLaunchCommands() (s string) {
	if cfg.Runtime == nil || cfg.Distributed == nil {
		return ""
	}

	buf := bytes.NewBuffer(nil)
	buf.WriteString("export CUBLAS_WORKSPACE_CONFIG=" + shellquote.Join(cfg.Distributed.CublasWorkspaceConfig) + "\n")
	if cfg.Distributed.CUDAVisibleDevices != "" {
		buf.WriteString("export CUDA_VISIBLE_DEVICES=" + shellquote.Join(cfg.Distributed.CUDAVisibleDevices) + "\n")
	}
	for _, k := range sortedKeys(cfg.Envs) {
		buf.WriteString("export " + k + "=" + shellquote.Join(cfg.Envs[k]) + "\n")
	}
	buf.WriteByte('\n')

	if cfg.Runtime.WorkDir != "" {
		buf.WriteString("cd " + shellquote.Join(cfg.Runtime.WorkDir) + "\n\n")
	}

	python := cfg.Runtime.PythonPath
	if python == "" {
		python = "python"
	}
	buf.WriteString(shellquote.Join(append([]string{python}, cfg.unsafeTorchLaunchArgs()...)...) + "\n")
	return buf.String()
}

func sortedKeys(m map[string]string) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}
