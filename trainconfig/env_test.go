package trainconfig

import (
	"os"
	"reflect"
	"strings"
	"testing"
)

func TestEnv(t *testing.T) {
	cfg := NewDefault()
	defer func() {
		os.RemoveAll(cfg.ConfigPath)
		os.RemoveAll(cfg.LaunchScriptPath)
	}()

	os.Setenv("UNITAB_LAUNCHER_LOG_COLOR", `false`)
	defer os.Unsetenv("UNITAB_LAUNCHER_LOG_COLOR")
	os.Setenv("UNITAB_LAUNCHER_LOG_COLOR_OVERRIDE", `true`)
	defer os.Unsetenv("UNITAB_LAUNCHER_LOG_COLOR_OVERRIDE")
	os.Setenv("UNITAB_LAUNCHER_LOG_LEVEL", `debug`)
	defer os.Unsetenv("UNITAB_LAUNCHER_LOG_LEVEL")
	os.Setenv("UNITAB_LAUNCHER_OUTPUT_DIR", `my-outputs/GetRef.Name`)
	defer os.Unsetenv("UNITAB_LAUNCHER_OUTPUT_DIR")
	os.Setenv("UNITAB_LAUNCHER_TIMEOUT_SECONDS", `3600`)
	defer os.Unsetenv("UNITAB_LAUNCHER_TIMEOUT_SECONDS")
	os.Setenv("UNITAB_LAUNCHER_ON_FAILURE_STOP_WAIT_SECONDS", `10`)
	defer os.Unsetenv("UNITAB_LAUNCHER_ON_FAILURE_STOP_WAIT_SECONDS")
	os.Setenv("UNITAB_LAUNCHER_ENVS", `NCCL_DEBUG=INFO;TOKENIZERS_PARALLELISM=false`)
	defer os.Unsetenv("UNITAB_LAUNCHER_ENVS")
	os.Setenv("UNITAB_LAUNCHER_RUNTIME_PYTHON_PATH", `/usr/bin/python3`)
	defer os.Unsetenv("UNITAB_LAUNCHER_RUNTIME_PYTHON_PATH")
	os.Setenv("UNITAB_LAUNCHER_RUNTIME_ENTRY_SCRIPT", `train.py`)
	defer os.Unsetenv("UNITAB_LAUNCHER_RUNTIME_ENTRY_SCRIPT")
	os.Setenv("UNITAB_LAUNCHER_RUNTIME_LAUNCHER_MODULE", `torch.distributed.run`)
	defer os.Unsetenv("UNITAB_LAUNCHER_RUNTIME_LAUNCHER_MODULE")
	os.Setenv("UNITAB_LAUNCHER_RUNTIME_EMBEDDED", `true`)
	defer os.Unsetenv("UNITAB_LAUNCHER_RUNTIME_EMBEDDED")
	os.Setenv("UNITAB_LAUNCHER_DISTRIBUTED_NPROC_PER_NODE", `4`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DISTRIBUTED_NPROC_PER_NODE")
	os.Setenv("UNITAB_LAUNCHER_DISTRIBUTED_WORLD_SIZE", `4`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DISTRIBUTED_WORLD_SIZE")
	os.Setenv("UNITAB_LAUNCHER_DISTRIBUTED_MASTER_ADDR", `10.0.0.7`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DISTRIBUTED_MASTER_ADDR")
	os.Setenv("UNITAB_LAUNCHER_DISTRIBUTED_MASTER_PORT", `29501`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DISTRIBUTED_MASTER_PORT")
	os.Setenv("UNITAB_LAUNCHER_DISTRIBUTED_BACKEND", `gloo`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DISTRIBUTED_BACKEND")
	os.Setenv("UNITAB_LAUNCHER_DISTRIBUTED_CUDA_VISIBLE_DEVICES", `0,1,2,3`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DISTRIBUTED_CUDA_VISIBLE_DEVICES")
	os.Setenv("UNITAB_LAUNCHER_DISTRIBUTED_CUBLAS_WORKSPACE_CONFIG", `:16:8`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DISTRIBUTED_CUBLAS_WORKSPACE_CONFIG")
	os.Setenv("UNITAB_LAUNCHER_HYPERPARAMETERS_LR", `0.0002`)
	defer os.Unsetenv("UNITAB_LAUNCHER_HYPERPARAMETERS_LR")
	os.Setenv("UNITAB_LAUNCHER_HYPERPARAMETERS_LR_BACKBONE", `2e-05`)
	defer os.Unsetenv("UNITAB_LAUNCHER_HYPERPARAMETERS_LR_BACKBONE")
	os.Setenv("UNITAB_LAUNCHER_HYPERPARAMETERS_TEXT_ENCODER_LR", `6e-05`)
	defer os.Unsetenv("UNITAB_LAUNCHER_HYPERPARAMETERS_TEXT_ENCODER_LR")
	os.Setenv("UNITAB_LAUNCHER_HYPERPARAMETERS_BATCH_SIZE", `4`)
	defer os.Unsetenv("UNITAB_LAUNCHER_HYPERPARAMETERS_BATCH_SIZE")
	os.Setenv("UNITAB_LAUNCHER_HYPERPARAMETERS_EPOCHS", `20`)
	defer os.Unsetenv("UNITAB_LAUNCHER_HYPERPARAMETERS_EPOCHS")
	os.Setenv("UNITAB_LAUNCHER_HYPERPARAMETERS_OPTIMIZER", `adamw`)
	defer os.Unsetenv("UNITAB_LAUNCHER_HYPERPARAMETERS_OPTIMIZER")
	os.Setenv("UNITAB_LAUNCHER_HYPERPARAMETERS_EMA", `true`)
	defer os.Unsetenv("UNITAB_LAUNCHER_HYPERPARAMETERS_EMA")
	os.Setenv("UNITAB_LAUNCHER_HYPERPARAMETERS_EMA_DECAY", `0.999`)
	defer os.Unsetenv("UNITAB_LAUNCHER_HYPERPARAMETERS_EMA_DECAY")
	os.Setenv("UNITAB_LAUNCHER_HYPERPARAMETERS_NUM_QUERIES", `100`)
	defer os.Unsetenv("UNITAB_LAUNCHER_HYPERPARAMETERS_NUM_QUERIES")
	os.Setenv("UNITAB_LAUNCHER_HYPERPARAMETERS_MAX_DECODING_STEP", `128`)
	defer os.Unsetenv("UNITAB_LAUNCHER_HYPERPARAMETERS_MAX_DECODING_STEP")
	os.Setenv("UNITAB_LAUNCHER_HYPERPARAMETERS_SEED", `7`)
	defer os.Unsetenv("UNITAB_LAUNCHER_HYPERPARAMETERS_SEED")
	os.Setenv("UNITAB_LAUNCHER_HYPERPARAMETERS_START_EPOCH", `3`)
	defer os.Unsetenv("UNITAB_LAUNCHER_HYPERPARAMETERS_START_EPOCH")
	os.Setenv("UNITAB_LAUNCHER_MODES_DO_CAPTION", `true`)
	defer os.Unsetenv("UNITAB_LAUNCHER_MODES_DO_CAPTION")
	os.Setenv("UNITAB_LAUNCHER_MODES_NO_DETECTION", `true`)
	defer os.Unsetenv("UNITAB_LAUNCHER_MODES_NO_DETECTION")
	os.Setenv("UNITAB_LAUNCHER_MODES_PRETRAIN_SEQCROP", `grounding`)
	defer os.Unsetenv("UNITAB_LAUNCHER_MODES_PRETRAIN_SEQCROP")
	os.Setenv("UNITAB_LAUNCHER_MODES_TEST", `true`)
	defer os.Unsetenv("UNITAB_LAUNCHER_MODES_TEST")
	os.Setenv("UNITAB_LAUNCHER_MODES_TEST_TYPE", `testA`)
	defer os.Unsetenv("UNITAB_LAUNCHER_MODES_TEST_TYPE")
	os.Setenv("UNITAB_LAUNCHER_DATASET_CONFIG_PATH", `configs/flickr.json`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DATASET_CONFIG_PATH")
	os.Setenv("UNITAB_LAUNCHER_DATASET_COMBINE_DATASETS", `flickr,gqa`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DATASET_COMBINE_DATASETS")
	os.Setenv("UNITAB_LAUNCHER_DATASET_COMBINE_DATASETS_VAL", `flickr`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DATASET_COMBINE_DATASETS_VAL")
	os.Setenv("UNITAB_LAUNCHER_DEEPSPEED_ENABLE", `true`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DEEPSPEED_ENABLE")
	os.Setenv("UNITAB_LAUNCHER_DEEPSPEED_CONFIG_PATH", `configs/deepspeed.json`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DEEPSPEED_CONFIG_PATH")
	os.Setenv("UNITAB_LAUNCHER_CHECKPOINT_RESUME", `https://unitab.blob.core.windows.net/data/flickr_best_checkpoint.pth`)
	defer os.Unsetenv("UNITAB_LAUNCHER_CHECKPOINT_RESUME")
	os.Setenv("UNITAB_LAUNCHER_CHECKPOINT_DOWNLOAD_DIR", `/tmp/unitab-checkpoints`)
	defer os.Unsetenv("UNITAB_LAUNCHER_CHECKPOINT_DOWNLOAD_DIR")
	os.Setenv("UNITAB_LAUNCHER_S3_ENABLE", `true`)
	defer os.Unsetenv("UNITAB_LAUNCHER_S3_ENABLE")
	os.Setenv("UNITAB_LAUNCHER_S3_BUCKET_CREATE", `true`)
	defer os.Unsetenv("UNITAB_LAUNCHER_S3_BUCKET_CREATE")
	os.Setenv("UNITAB_LAUNCHER_S3_BUCKET_CREATE_KEEP", `true`)
	defer os.Unsetenv("UNITAB_LAUNCHER_S3_BUCKET_CREATE_KEEP")
	os.Setenv("UNITAB_LAUNCHER_S3_BUCKET_NAME", `my-bucket`)
	defer os.Unsetenv("UNITAB_LAUNCHER_S3_BUCKET_NAME")
	os.Setenv("UNITAB_LAUNCHER_S3_BUCKET_LIFECYCLE_EXPIRATION_DAYS", `10`)
	defer os.Unsetenv("UNITAB_LAUNCHER_S3_BUCKET_LIFECYCLE_EXPIRATION_DAYS")
	os.Setenv("UNITAB_LAUNCHER_S3_REGION", `us-east-1`)
	defer os.Unsetenv("UNITAB_LAUNCHER_S3_REGION")
	os.Setenv("UNITAB_LAUNCHER_S3_DIR", `unitab/artifacts`)
	defer os.Unsetenv("UNITAB_LAUNCHER_S3_DIR")

	if err := cfg.UpdateFromEnvs(); err != nil {
		t.Fatal(err)
	}

	if cfg.LogColor {
		t.Fatalf("unexpected cfg.LogColor %v", cfg.LogColor)
	}
	if cfg.LogColorOverride != "true" {
		t.Fatalf("unexpected cfg.LogColorOverride %q", cfg.LogColorOverride)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected cfg.LogLevel %q", cfg.LogLevel)
	}
	if cfg.OutputDir != "my-outputs/GetRef.Name" {
		t.Fatalf("unexpected cfg.OutputDir %q", cfg.OutputDir)
	}
	if cfg.TimeoutSeconds != 3600 {
		t.Fatalf("unexpected cfg.TimeoutSeconds %d", cfg.TimeoutSeconds)
	}
	if cfg.OnFailureStopWaitSeconds != 10 {
		t.Fatalf("unexpected cfg.OnFailureStopWaitSeconds %d", cfg.OnFailureStopWaitSeconds)
	}
	if !reflect.DeepEqual(cfg.Envs, map[string]string{"NCCL_DEBUG": "INFO", "TOKENIZERS_PARALLELISM": "false"}) {
		t.Fatalf("unexpected cfg.Envs %v", cfg.Envs)
	}

	if cfg.Runtime.PythonPath != "/usr/bin/python3" {
		t.Fatalf("unexpected cfg.Runtime.PythonPath %q", cfg.Runtime.PythonPath)
	}
	if cfg.Runtime.EntryScript != "train.py" {
		t.Fatalf("unexpected cfg.Runtime.EntryScript %q", cfg.Runtime.EntryScript)
	}
	if cfg.Runtime.LauncherModule != "torch.distributed.run" {
		t.Fatalf("unexpected cfg.Runtime.LauncherModule %q", cfg.Runtime.LauncherModule)
	}
	if !cfg.Runtime.Embedded {
		t.Fatalf("unexpected cfg.Runtime.Embedded %v", cfg.Runtime.Embedded)
	}

	if cfg.Distributed.NprocPerNode != 4 {
		t.Fatalf("unexpected cfg.Distributed.NprocPerNode %d", cfg.Distributed.NprocPerNode)
	}
	if cfg.Distributed.WorldSize != 4 {
		t.Fatalf("unexpected cfg.Distributed.WorldSize %d", cfg.Distributed.WorldSize)
	}
	if cfg.Distributed.MasterAddr != "10.0.0.7" {
		t.Fatalf("unexpected cfg.Distributed.MasterAddr %q", cfg.Distributed.MasterAddr)
	}
	if cfg.Distributed.MasterPort != 29501 {
		t.Fatalf("unexpected cfg.Distributed.MasterPort %d", cfg.Distributed.MasterPort)
	}
	if cfg.Distributed.Backend != "gloo" {
		t.Fatalf("unexpected cfg.Distributed.Backend %q", cfg.Distributed.Backend)
	}
	if cfg.Distributed.CUDAVisibleDevices != "0,1,2,3" {
		t.Fatalf("unexpected cfg.Distributed.CUDAVisibleDevices %q", cfg.Distributed.CUDAVisibleDevices)
	}
	if cfg.Distributed.CublasWorkspaceConfig != ":16:8" {
		t.Fatalf("unexpected cfg.Distributed.CublasWorkspaceConfig %q", cfg.Distributed.CublasWorkspaceConfig)
	}

	if cfg.Hyperparameters.LR != 0.0002 {
		t.Fatalf("unexpected cfg.Hyperparameters.LR %v", cfg.Hyperparameters.LR)
	}
	if cfg.Hyperparameters.LRBackbone != 2e-05 {
		t.Fatalf("unexpected cfg.Hyperparameters.LRBackbone %v", cfg.Hyperparameters.LRBackbone)
	}
	if cfg.Hyperparameters.TextEncoderLR != 6e-05 {
		t.Fatalf("unexpected cfg.Hyperparameters.TextEncoderLR %v", cfg.Hyperparameters.TextEncoderLR)
	}
	if cfg.Hyperparameters.BatchSize != 4 {
		t.Fatalf("unexpected cfg.Hyperparameters.BatchSize %d", cfg.Hyperparameters.BatchSize)
	}
	if cfg.Hyperparameters.Epochs != 20 {
		t.Fatalf("unexpected cfg.Hyperparameters.Epochs %d", cfg.Hyperparameters.Epochs)
	}
	if cfg.Hyperparameters.Optimizer != "adamw" {
		t.Fatalf("unexpected cfg.Hyperparameters.Optimizer %q", cfg.Hyperparameters.Optimizer)
	}
	if !cfg.Hyperparameters.EMA {
		t.Fatalf("unexpected cfg.Hyperparameters.EMA %v", cfg.Hyperparameters.EMA)
	}
	if cfg.Hyperparameters.EMADecay != 0.999 {
		t.Fatalf("unexpected cfg.Hyperparameters.EMADecay %v", cfg.Hyperparameters.EMADecay)
	}
	if cfg.Hyperparameters.NumQueries != 100 {
		t.Fatalf("unexpected cfg.Hyperparameters.NumQueries %d", cfg.Hyperparameters.NumQueries)
	}
	if cfg.Hyperparameters.MaxDecodingStep != 128 {
		t.Fatalf("unexpected cfg.Hyperparameters.MaxDecodingStep %d", cfg.Hyperparameters.MaxDecodingStep)
	}
	if cfg.Hyperparameters.Seed != 7 {
		t.Fatalf("unexpected cfg.Hyperparameters.Seed %d", cfg.Hyperparameters.Seed)
	}
	if cfg.Hyperparameters.StartEpoch != 3 {
		t.Fatalf("unexpected cfg.Hyperparameters.StartEpoch %d", cfg.Hyperparameters.StartEpoch)
	}

	if !cfg.Modes.DoCaption {
		t.Fatalf("unexpected cfg.Modes.DoCaption %v", cfg.Modes.DoCaption)
	}
	if !cfg.Modes.NoDetection {
		t.Fatalf("unexpected cfg.Modes.NoDetection %v", cfg.Modes.NoDetection)
	}
	if cfg.Modes.PretrainSeqcrop != "grounding" {
		t.Fatalf("unexpected cfg.Modes.PretrainSeqcrop %q", cfg.Modes.PretrainSeqcrop)
	}
	if !cfg.Modes.Test {
		t.Fatalf("unexpected cfg.Modes.Test %v", cfg.Modes.Test)
	}
	if cfg.Modes.TestType != "testA" {
		t.Fatalf("unexpected cfg.Modes.TestType %q", cfg.Modes.TestType)
	}

	if cfg.Dataset.ConfigPath != "configs/flickr.json" {
		t.Fatalf("unexpected cfg.Dataset.ConfigPath %q", cfg.Dataset.ConfigPath)
	}
	if !reflect.DeepEqual(cfg.Dataset.CombineDatasets, []string{"flickr", "gqa"}) {
		t.Fatalf("unexpected cfg.Dataset.CombineDatasets %q", cfg.Dataset.CombineDatasets)
	}
	if !reflect.DeepEqual(cfg.Dataset.CombineDatasetsVal, []string{"flickr"}) {
		t.Fatalf("unexpected cfg.Dataset.CombineDatasetsVal %q", cfg.Dataset.CombineDatasetsVal)
	}

	if !cfg.DeepSpeed.Enable {
		t.Fatalf("unexpected cfg.DeepSpeed.Enable %v", cfg.DeepSpeed.Enable)
	}
	if cfg.DeepSpeed.ConfigPath != "configs/deepspeed.json" {
		t.Fatalf("unexpected cfg.DeepSpeed.ConfigPath %q", cfg.DeepSpeed.ConfigPath)
	}

	if cfg.Checkpoint.Resume != "https://unitab.blob.core.windows.net/data/flickr_best_checkpoint.pth" {
		t.Fatalf("unexpected cfg.Checkpoint.Resume %q", cfg.Checkpoint.Resume)
	}
	if cfg.Checkpoint.DownloadDir != "/tmp/unitab-checkpoints" {
		t.Fatalf("unexpected cfg.Checkpoint.DownloadDir %q", cfg.Checkpoint.DownloadDir)
	}

	if !cfg.S3.Enable {
		t.Fatalf("unexpected cfg.S3.Enable %v", cfg.S3.Enable)
	}
	if !cfg.S3.BucketCreate {
		t.Fatalf("unexpected cfg.S3.BucketCreate %v", cfg.S3.BucketCreate)
	}
	if !cfg.S3.BucketCreateKeep {
		t.Fatalf("unexpected cfg.S3.BucketCreateKeep %v", cfg.S3.BucketCreateKeep)
	}
	if cfg.S3.BucketName != "my-bucket" {
		t.Fatalf("unexpected cfg.S3.BucketName %q", cfg.S3.BucketName)
	}
	if cfg.S3.BucketLifecycleExpirationDays != 10 {
		t.Fatalf("unexpected cfg.S3.BucketLifecycleExpirationDays %d", cfg.S3.BucketLifecycleExpirationDays)
	}
	if cfg.S3.Region != "us-east-1" {
		t.Fatalf("unexpected cfg.S3.Region %q", cfg.S3.Region)
	}
	if cfg.S3.Dir != "unitab/artifacts" {
		t.Fatalf("unexpected cfg.S3.Dir %q", cfg.S3.Dir)
	}

	// dataset config does not exist on this machine
	err := cfg.ValidateAndSetDefaults()
	if err == nil {
		t.Fatal("expected ValidateAndSetDefaults error")
	}
	if !strings.Contains(err.Error(), "validateDataset failed") {
		t.Fatalf("unexpected error %v", err)
	}
	os.RemoveAll("my-outputs")
}

func TestEnvReadOnly(t *testing.T) {
	cfg := NewDefault()
	defer func() {
		os.RemoveAll(cfg.ConfigPath)
		os.RemoveAll(cfg.LaunchScriptPath)
	}()

	os.Setenv("UNITAB_LAUNCHER_STATUS_CURRENT", `running`)
	defer os.Unsetenv("UNITAB_LAUNCHER_STATUS_CURRENT")

	err := cfg.UpdateFromEnvs()
	if err == nil {
		t.Fatal("expected read-only field error")
	}
	if !strings.Contains(err.Error(), "read-only") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestEnvBadValue(t *testing.T) {
	cfg := NewDefault()
	defer func() {
		os.RemoveAll(cfg.ConfigPath)
		os.RemoveAll(cfg.LaunchScriptPath)
	}()

	os.Setenv("UNITAB_LAUNCHER_DISTRIBUTED_MASTER_PORT", `not-a-port`)
	defer os.Unsetenv("UNITAB_LAUNCHER_DISTRIBUTED_MASTER_PORT")

	err := cfg.UpdateFromEnvs()
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "MasterPort") {
		t.Fatalf("unexpected error %v", err)
	}
}
