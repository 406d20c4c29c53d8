package trainconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/Gy-Lu/unitab-launcher/pkg/fileutil"
	"github.com/Gy-Lu/unitab-launcher/pkg/logutil"
	"github.com/Gy-Lu/unitab-launcher/pkg/randutil"
	"github.com/Gy-Lu/unitab-launcher/pkg/terminal"
	"github.com/Gy-Lu/unitab-launcher/pkg/timeutil"
	"github.com/aws/aws-sdk-go/aws/endpoints"
	"k8s.io/utils/exec"
)

// NewDefault returns a default configuration.
//  - empty string creates a non-nil object for pointer-type field
//  - omitting an entire field returns nil value
//  - make sure to check both
func NewDefault() *Config {
	name := fmt.Sprintf("unitab-%s-%s", timeutil.GetTS()[:10], randutil.String(12))
	if v := os.Getenv(UNITAB_LAUNCHER_PREFIX + "NAME"); v != "" {
		name = v
	}
	return &Config{
		mu: new(sync.RWMutex),

		Name: name,

		// to be auto-generated
		ConfigPath:       "",
		LaunchScriptPath: "",

		LogColor: true,
		LogLevel: logutil.DefaultLogLevel,
		// default, stderr, stdout, or file name
		// log file named with run name will be added automatically
		LogOutputs: []string{"stderr"},

		// replaced with the run name during validation
		OutputDir: filepath.Join("outputs", "GetRef.Name"),

		TimeoutSeconds:           0,
		OnFailureStopWaitSeconds: 30,

		Runtime:         getDefaultRuntime(),
		Distributed:     getDefaultDistributed(),
		Hyperparameters: getDefaultHyperparameters(),
		Modes:           getDefaultModes(),
		Dataset:         getDefaultDataset(),
		DeepSpeed:       getDefaultDeepSpeed(),
		ColossalAI:      getDefaultColossalAI(),
		Checkpoint:      getDefaultCheckpoint(),
		S3:              getDefaultS3(),
	}
}

// ValidateAndSetDefaults returns an error for invalid configurations.
// And updates empty fields with default values.
// At the end, it writes populated YAML to the launcher config path.
func (cfg *Config) ValidateAndSetDefaults() error {
	if cfg.mu == nil {
		cfg.mu = new(sync.RWMutex)
	}
	cfg.mu.Lock()
	defer func() {
		cfg.unsafeSync()
		cfg.mu.Unlock()
	}()

	if err := cfg.validateConfig(); err != nil {
		return fmt.Errorf("validateConfig failed [%v]", err)
	}
	if err := cfg.validateRuntime(); err != nil {
		return fmt.Errorf("validateRuntime failed [%v]", err)
	}
	if err := cfg.validateDistributed(); err != nil {
		return fmt.Errorf("validateDistributed failed [%v]", err)
	}
	if err := cfg.validateHyperparameters(); err != nil {
		return fmt.Errorf("validateHyperparameters failed [%v]", err)
	}
	if err := cfg.validateModes(); err != nil {
		return fmt.Errorf("validateModes failed [%v]", err)
	}
	if err := cfg.validateDataset(); err != nil {
		return fmt.Errorf("validateDataset failed [%v]", err)
	}
	if err := cfg.validateBackends(); err != nil {
		return fmt.Errorf("validateBackends failed [%v]", err)
	}
	if err := cfg.validateCheckpoint(); err != nil {
		return fmt.Errorf("validateCheckpoint failed [%v]", err)
	}
	if err := cfg.validateS3(); err != nil {
		return fmt.Errorf("validateS3 failed [%v]", err)
	}

	return nil
}

func (cfg *Config) validateConfig() error {
	if len(cfg.Name) == 0 {
		return errors.New("Name is empty")
	}
	if cfg.Name != strings.ToLower(cfg.Name) {
		return fmt.Errorf("Name %q must be in lower-case", cfg.Name)
	}

	if cfg.LogColorOverride == "" {
		_, cerr := terminal.IsColor()
		if cfg.LogColor && cerr != nil {
			cfg.LogColor = false
		}
	} else {
		ov, perr := strconv.ParseBool(cfg.LogColorOverride)
		if perr != nil {
			return fmt.Errorf("failed to parse LogColorOverride %q (%v)", cfg.LogColorOverride, perr)
		}
		cfg.LogColor = ov
	}
	if len(cfg.LogOutputs) == 0 {
		return errors.New("LogOutputs is empty")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = logutil.DefaultLogLevel
	}

	if cfg.ConfigPath == "" {
		rootDir, err := os.Getwd()
		if err != nil {
			rootDir = filepath.Join(os.TempDir(), cfg.Name)
			if err := os.MkdirAll(rootDir, 0700); err != nil {
				return err
			}
		}
		cfg.ConfigPath = filepath.Join(rootDir, cfg.Name+".yaml")
		var p string
		p, err = filepath.Abs(cfg.ConfigPath)
		if err != nil {
			panic(err)
		}
		cfg.ConfigPath = p
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ConfigPath), 0700); err != nil {
		return err
	}
	if err := fileutil.IsDirWriteable(filepath.Dir(cfg.ConfigPath)); err != nil {
		return err
	}

	if len(cfg.LogOutputs) == 1 && (cfg.LogOutputs[0] == "stderr" || cfg.LogOutputs[0] == "stdout") {
		cfg.LogOutputs = append(cfg.LogOutputs, cfg.ConfigPath+".log")
	}

	if cfg.LaunchScriptPath == "" {
		cfg.LaunchScriptPath = strings.ReplaceAll(cfg.ConfigPath, ".yaml", "") + ".launch.sh"
	}
	if filepath.Ext(cfg.LaunchScriptPath) != ".sh" {
		cfg.LaunchScriptPath = cfg.LaunchScriptPath + ".sh"
	}
	if err := fileutil.IsDirWriteable(filepath.Dir(cfg.LaunchScriptPath)); err != nil {
		return err
	}

	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join("outputs", "GetRef.Name")
	}
	cfg.OutputDir = strings.ReplaceAll(cfg.OutputDir, "GetRef.Name", cfg.Name)
	outDir := cfg.unsafeResolvedOutputDir()
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	if err := fileutil.IsDirWriteable(outDir); err != nil {
		return err
	}
	if cfg.RunLogPath == "" {
		cfg.RunLogPath = filepath.Join(outDir, "launcher-output.log")
	}

	for k := range cfg.Envs {
		if k == "" {
			return errors.New("Envs has an empty key")
		}
		switch k {
		case "CUBLAS_WORKSPACE_CONFIG", "CUDA_VISIBLE_DEVICES",
			"RANK", "LOCAL_RANK", "WORLD_SIZE", "MASTER_ADDR", "MASTER_PORT":
			return fmt.Errorf("Envs key %q is reserved for the launcher", k)
		}
	}

	return nil
}

func (cfg *Config) validateRuntime() error {
	if cfg.Runtime == nil {
		cfg.Runtime = getDefaultRuntime()
	}
	if cfg.Runtime.EntryScript == "" {
		cfg.Runtime.EntryScript = DefaultEntryScript
	}
	if cfg.Runtime.LauncherModule == "" {
		cfg.Runtime.LauncherModule = DefaultLauncherModule
	}
	if cfg.Runtime.WorkDir != "" {
		if !fileutil.Exist(cfg.Runtime.WorkDir) {
			return fmt.Errorf("Runtime.WorkDir %q does not exist", cfg.Runtime.WorkDir)
		}
	}
	if cfg.Runtime.PythonPath == "" {
		// entry point existence is checked again at preflight,
		// where the interpreter actually runs
		for _, name := range []string{"python3", "python"} {
			if p, err := exec.New().LookPath(name); err == nil {
				cfg.Runtime.PythonPath = p
				break
			}
		}
		if cfg.Runtime.PythonPath == "" {
			cfg.Runtime.PythonPath = "python"
		}
	}
	return nil
}

func (cfg *Config) validateDistributed() error {
	if cfg.Distributed == nil {
		cfg.Distributed = getDefaultDistributed()
	}
	if cfg.Distributed.NprocPerNode == 0 {
		cfg.Distributed.NprocPerNode = 2
	}
	if cfg.Distributed.NprocPerNode < 1 {
		return fmt.Errorf("Distributed.NprocPerNode %d must be at least 1", cfg.Distributed.NprocPerNode)
	}
	if cfg.Distributed.NprocPerNode > WorkersMaxLimit {
		return fmt.Errorf("Distributed.NprocPerNode %d exceeds the limit %d", cfg.Distributed.NprocPerNode, WorkersMaxLimit)
	}
	if cfg.Distributed.WorldSize == 0 {
		cfg.Distributed.WorldSize = cfg.Distributed.NprocPerNode
	}
	if cfg.Distributed.WorldSize < cfg.Distributed.NprocPerNode {
		return fmt.Errorf("Distributed.WorldSize %d must not be less than Distributed.NprocPerNode %d", cfg.Distributed.WorldSize, cfg.Distributed.NprocPerNode)
	}
	if cfg.Distributed.MasterAddr == "" {
		cfg.Distributed.MasterAddr = DefaultMasterAddr
	}
	if cfg.Distributed.MasterPort == 0 {
		cfg.Distributed.MasterPort = DefaultMasterPort
	}
	if cfg.Distributed.MasterPort < 1024 || cfg.Distributed.MasterPort > 65535 {
		return fmt.Errorf("Distributed.MasterPort %d must be in [1024, 65535]", cfg.Distributed.MasterPort)
	}
	if cfg.Distributed.Backend == "" {
		cfg.Distributed.Backend = DefaultBackend
	}
	switch cfg.Distributed.Backend {
	case "nccl", "gloo", "mpi":
	default:
		return fmt.Errorf("unknown Distributed.Backend %q", cfg.Distributed.Backend)
	}
	if cfg.Distributed.DistURL == "" {
		cfg.Distributed.DistURL = DefaultDistURL
	}
	if cfg.Distributed.CublasWorkspaceConfig == "" {
		cfg.Distributed.CublasWorkspaceConfig = DefaultCublasWorkspaceConfig
	}
	if cfg.Distributed.CUDAVisibleDevices != "" {
		devices := strings.Split(cfg.Distributed.CUDAVisibleDevices, ",")
		if len(devices) < cfg.Distributed.NprocPerNode {
			return fmt.Errorf("Distributed.CUDAVisibleDevices %q lists %d devices, less than Distributed.NprocPerNode %d", cfg.Distributed.CUDAVisibleDevices, len(devices), cfg.Distributed.NprocPerNode)
		}
	}
	return nil
}

func (cfg *Config) validateHyperparameters() error {
	if cfg.Hyperparameters == nil {
		cfg.Hyperparameters = getDefaultHyperparameters()
	}
	hp := cfg.Hyperparameters

	if hp.LR == 0 {
		hp.LR = 1e-4
	}
	if hp.LR < 0 {
		return fmt.Errorf("Hyperparameters.LR %v must be positive", hp.LR)
	}
	if hp.LRBackbone == 0 {
		hp.LRBackbone = 1e-5
	}
	if hp.LRBackbone < 0 {
		return fmt.Errorf("Hyperparameters.LRBackbone %v must be positive", hp.LRBackbone)
	}
	if hp.TextEncoderLR == 0 {
		hp.TextEncoderLR = 5e-5
	}
	if hp.TextEncoderLR < 0 {
		return fmt.Errorf("Hyperparameters.TextEncoderLR %v must be positive", hp.TextEncoderLR)
	}

	if hp.BatchSize == 0 {
		hp.BatchSize = 2
	}
	if hp.BatchSize < 1 {
		return fmt.Errorf("Hyperparameters.BatchSize %d must be at least 1", hp.BatchSize)
	}
	if hp.WeightDecay == 0 {
		hp.WeightDecay = 1e-4
	}
	if hp.WeightDecay < 0 {
		return fmt.Errorf("Hyperparameters.WeightDecay %v must not be negative", hp.WeightDecay)
	}
	if hp.Epochs == 0 {
		hp.Epochs = 40
	}
	if hp.Epochs < 1 {
		return fmt.Errorf("Hyperparameters.Epochs %d must be at least 1", hp.Epochs)
	}
	if hp.LRDrop == 0 {
		hp.LRDrop = 35
	}

	if hp.Optimizer == "" {
		hp.Optimizer = "adam"
	}
	switch hp.Optimizer {
	case "adam", "adamw", "sgd":
	default:
		return fmt.Errorf("unknown Hyperparameters.Optimizer %q", hp.Optimizer)
	}

	// zero max norm disables gradient clipping
	if hp.ClipMaxNorm < 0 {
		return fmt.Errorf("Hyperparameters.ClipMaxNorm %v must not be negative", hp.ClipMaxNorm)
	}

	if hp.Schedule == "" {
		hp.Schedule = "linear_with_warmup"
	}
	switch hp.Schedule {
	case "step", "multistep", "linear_with_warmup", "all_linear_with_warmup":
	default:
		return fmt.Errorf("unknown Hyperparameters.Schedule %q", hp.Schedule)
	}

	if hp.EMADecay == 0 {
		hp.EMADecay = 0.9998
	}
	if hp.EMADecay <= 0 || hp.EMADecay > 1 {
		return fmt.Errorf("Hyperparameters.EMADecay %v must be in (0, 1]", hp.EMADecay)
	}
	if hp.FractionWarmupSteps == 0 {
		hp.FractionWarmupSteps = 0.01
	}
	if hp.FractionWarmupSteps <= 0 || hp.FractionWarmupSteps >= 1 {
		return fmt.Errorf("Hyperparameters.FractionWarmupSteps %v must be in (0, 1)", hp.FractionWarmupSteps)
	}

	if hp.NumQueries == 0 {
		hp.NumQueries = 200
	}
	if hp.NumQueries < 1 {
		return fmt.Errorf("Hyperparameters.NumQueries %d must be at least 1", hp.NumQueries)
	}
	if hp.MaxDecodingStep == 0 {
		hp.MaxDecodingStep = 256
	}
	if hp.MaxDecodingStep < 1 {
		return fmt.Errorf("Hyperparameters.MaxDecodingStep %d must be at least 1", hp.MaxDecodingStep)
	}

	if hp.EvalSkip == 0 {
		hp.EvalSkip = 1
	}
	if hp.EvalSkip < 1 {
		return fmt.Errorf("Hyperparameters.EvalSkip %d must be at least 1", hp.EvalSkip)
	}
	if hp.NumWorkers == 0 {
		hp.NumWorkers = 5
	}
	if hp.NumWorkers < 0 {
		return fmt.Errorf("Hyperparameters.NumWorkers %d must not be negative", hp.NumWorkers)
	}
	if hp.Seed == 0 {
		hp.Seed = 42
	}
	if hp.StartEpoch < 0 {
		return fmt.Errorf("Hyperparameters.StartEpoch %d must not be negative", hp.StartEpoch)
	}

	return nil
}

func (cfg *Config) validateModes() error {
	if cfg.Modes == nil {
		cfg.Modes = getDefaultModes()
	}
	if cfg.Modes.PretrainSeqcrop == "" {
		cfg.Modes.PretrainSeqcrop = "mixed"
	}
	switch cfg.Modes.PretrainSeqcrop {
	case "first", "rand", "grounding", "mixed":
	default:
		return fmt.Errorf("unknown Modes.PretrainSeqcrop %q", cfg.Modes.PretrainSeqcrop)
	}
	if cfg.Modes.TestType == "" {
		cfg.Modes.TestType = "test"
	}
	switch cfg.Modes.TestType {
	case "test", "testA", "testB":
	default:
		return fmt.Errorf("unknown Modes.TestType %q", cfg.Modes.TestType)
	}
	if cfg.Modes.DoFlickrGrounding && cfg.Modes.DoCaption {
		return errors.New("Modes.DoFlickrGrounding 'true', but Modes.DoCaption is also 'true'")
	}
	if cfg.Modes.DoFlickrGrounding && cfg.Modes.NoDetection {
		return errors.New("Modes.DoFlickrGrounding 'true', but Modes.NoDetection is also 'true'")
	}
	return nil
}

func (cfg *Config) validateDataset() error {
	if cfg.Dataset == nil {
		cfg.Dataset = getDefaultDataset()
	}
	if cfg.Dataset.ConfigPath == "" {
		return errors.New("Dataset.ConfigPath is empty")
	}
	p := cfg.unsafeResolvePath(cfg.Dataset.ConfigPath)
	if !fileutil.Exist(p) {
		return fmt.Errorf("Dataset.ConfigPath %q does not exist", p)
	}
	d, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("failed to read Dataset.ConfigPath %q (%v)", p, err)
	}
	if !json.Valid(d) {
		return fmt.Errorf("Dataset.ConfigPath %q is not valid JSON", p)
	}
	if len(cfg.Dataset.CombineDatasets) == 0 {
		cfg.Dataset.CombineDatasets = []string{"flickr"}
	}
	if len(cfg.Dataset.CombineDatasetsVal) == 0 {
		cfg.Dataset.CombineDatasetsVal = []string{"flickr"}
	}
	return nil
}

func (cfg *Config) validateBackends() error {
	if cfg.DeepSpeed == nil {
		cfg.DeepSpeed = getDefaultDeepSpeed()
	}
	if cfg.ColossalAI == nil {
		cfg.ColossalAI = getDefaultColossalAI()
	}
	if cfg.DeepSpeed.Enable && cfg.ColossalAI.Enable {
		return errors.New("DeepSpeed.Enable and ColossalAI.Enable are mutually exclusive")
	}

	if cfg.DeepSpeed.Enable {
		if cfg.DeepSpeed.ConfigPath == "" {
			return errors.New("DeepSpeed.Enable 'true', but DeepSpeed.ConfigPath is empty")
		}
		p := cfg.unsafeResolvePath(cfg.DeepSpeed.ConfigPath)
		if !fileutil.Exist(p) {
			return fmt.Errorf("DeepSpeed.ConfigPath %q does not exist", p)
		}
		if err := cfg.unsafeParseDeepSpeedConfig(); err != nil {
			return err
		}
	}

	if cfg.ColossalAI.Enable {
		if cfg.ColossalAI.ConfigPath == "" {
			return errors.New("ColossalAI.Enable 'true', but ColossalAI.ConfigPath is empty")
		}
		p := cfg.unsafeResolvePath(cfg.ColossalAI.ConfigPath)
		if !fileutil.Exist(p) {
			return fmt.Errorf("ColossalAI.ConfigPath %q does not exist", p)
		}
	}

	return nil
}

func (cfg *Config) validateCheckpoint() error {
	if cfg.Checkpoint == nil {
		cfg.Checkpoint = getDefaultCheckpoint()
	}
	if cfg.Checkpoint.DownloadDir == "" {
		cfg.Checkpoint.DownloadDir = filepath.Join(cfg.unsafeResolvedOutputDir(), "checkpoints")
	}
	if cfg.Checkpoint.FrozenWeights != "" && cfg.Checkpoint.Resume == "" {
		return errors.New("Checkpoint.FrozenWeights requires Checkpoint.Resume")
	}
	for _, ckpt := range []string{cfg.Checkpoint.Resume, cfg.Checkpoint.Load, cfg.Checkpoint.FrozenWeights} {
		if ckpt == "" {
			continue
		}
		if isRemote(ckpt) {
			// downloaded at preflight
			continue
		}
		p := cfg.unsafeResolvePath(ckpt)
		if !fileutil.Exist(p) {
			return fmt.Errorf("checkpoint %q does not exist", p)
		}
	}
	return nil
}

func isRemote(p string) bool {
	return strings.HasPrefix(p, "https://") || strings.HasPrefix(p, "http://")
}

func (cfg *Config) validateS3() error {
	if cfg.S3 == nil {
		cfg.S3 = getDefaultS3()
	}
	if !cfg.S3.Enable {
		return nil
	}

	if cfg.S3.Partition == "" {
		cfg.S3.Partition = endpoints.AwsPartitionID
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = endpoints.UsWest2RegionID
	}
	var partition endpoints.Partition
	switch cfg.S3.Partition {
	case endpoints.AwsPartitionID:
		partition = endpoints.AwsPartition()
	case endpoints.AwsCnPartitionID:
		partition = endpoints.AwsCnPartition()
	case endpoints.AwsUsGovPartitionID:
		partition = endpoints.AwsUsGovPartition()
	case endpoints.AwsIsoPartitionID:
		partition = endpoints.AwsIsoPartition()
	case endpoints.AwsIsoBPartitionID:
		partition = endpoints.AwsIsoBPartition()
	default:
		return fmt.Errorf("unknown partition %q", cfg.S3.Partition)
	}
	regions := partition.Regions()
	if _, ok := regions[cfg.S3.Region]; !ok {
		return fmt.Errorf("region %q for partition %q not found in %+v", cfg.S3.Region, cfg.S3.Partition, regions)
	}

	switch cfg.S3.BucketCreate {
	case true: // need create one, or already created
		if cfg.S3.BucketName == "" {
			cfg.S3.BucketName = cfg.Name + "-s3-bucket"
		}
		if cfg.S3.BucketLifecycleExpirationDays > 0 && cfg.S3.BucketLifecycleExpirationDays < 3 {
			cfg.S3.BucketLifecycleExpirationDays = 3
		}
	case false: // use existing one
		if cfg.S3.BucketName == "" {
			return errors.New("empty S3.BucketName")
		}
	}
	if cfg.S3.Dir == "" {
		cfg.S3.Dir = cfg.Name
	}

	return nil
}

// ResolvedOutputDir returns "OutputDir" resolved against the runtime
// working directory when relative.
func (cfg *Config) ResolvedOutputDir() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.unsafeResolvedOutputDir()
}

func (cfg *Config) unsafeResolvedOutputDir() string {
	return cfg.unsafeResolvePath(cfg.OutputDir)
}

// relative paths are given to the training process as configured;
// the launcher only resolves them for its own existence checks and I/O
func (cfg *Config) unsafeResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if cfg.Runtime != nil && cfg.Runtime.WorkDir != "" {
		return filepath.Join(cfg.Runtime.WorkDir, p)
	}
	return p
}
