package trainconfig

import (
	"fmt"
	"os"
	"strconv"
)

// BuildArgs returns the training flags forwarded to the entry point, in
// stable order: dataset, task switches, hyperparameters, output directory
// and checkpoints, distributed settings, then the optimization backend
// hand-off. Boolean switches appear only when on. Values are forwarded
// exactly as configured.
func (cfg *Config) BuildArgs() []string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.unsafeBuildArgs()
}

func (cfg *Config) unsafeBuildArgs() (args []string) {
	if cfg.Dataset == nil || cfg.Modes == nil || cfg.Hyperparameters == nil || cfg.Distributed == nil {
		return nil
	}

	args = append(args, "--dataset_config", cfg.Dataset.ConfigPath)
	if len(cfg.Dataset.CombineDatasets) > 0 {
		args = append(args, "--combine_datasets")
		args = append(args, cfg.Dataset.CombineDatasets...)
	}
	if len(cfg.Dataset.CombineDatasetsVal) > 0 {
		args = append(args, "--combine_datasets_val")
		args = append(args, cfg.Dataset.CombineDatasetsVal...)
	}

	if cfg.Modes.UnitabPretrain {
		args = append(args, "--unitab_pretrain")
		args = append(args, "--pretrain_seqcrop", cfg.Modes.PretrainSeqcrop)
	}
	if cfg.Modes.DoCaption {
		args = append(args, "--do_caption")
	}
	if cfg.Modes.DoFlickrGrounding {
		args = append(args, "--do_flickrgrounding")
	}
	if cfg.Modes.NoDetection {
		args = append(args, "--no_detection")
	}
	if cfg.Modes.FreezeTextEncoder {
		args = append(args, "--freeze_text_encoder")
	}

	hp := cfg.Hyperparameters
	args = append(args,
		"--lr", formatFloat(hp.LR),
		"--lr_backbone", formatFloat(hp.LRBackbone),
		"--text_encoder_lr", formatFloat(hp.TextEncoderLR),
		"--batch_size", strconv.Itoa(hp.BatchSize),
		"--weight_decay", formatFloat(hp.WeightDecay),
		"--epochs", strconv.Itoa(hp.Epochs),
		"--lr_drop", strconv.Itoa(hp.LRDrop),
		"--optimizer", hp.Optimizer,
		"--clip_max_norm", formatFloat(hp.ClipMaxNorm),
		"--schedule", hp.Schedule,
	)
	if hp.EMA {
		args = append(args, "--ema", "--ema_decay", formatFloat(hp.EMADecay))
	}
	args = append(args,
		"--fraction_warmup_steps", formatFloat(hp.FractionWarmupSteps),
		"--num_queries", strconv.Itoa(hp.NumQueries),
		"--max_decoding_step", strconv.Itoa(hp.MaxDecodingStep),
		"--eval_skip", strconv.Itoa(hp.EvalSkip),
		"--num_workers", strconv.Itoa(hp.NumWorkers),
		"--seed", strconv.Itoa(hp.Seed),
	)
	if hp.StartEpoch > 0 {
		args = append(args, "--start-epoch", strconv.Itoa(hp.StartEpoch))
	}

	args = append(args, "--output-dir", cfg.OutputDir)
	if cfg.Checkpoint != nil {
		if cfg.Checkpoint.Resume != "" {
			args = append(args, "--resume", cfg.Checkpoint.Resume)
		}
		if cfg.Checkpoint.Load != "" {
			args = append(args, "--load", cfg.Checkpoint.Load)
		}
		if cfg.Checkpoint.FrozenWeights != "" {
			args = append(args, "--frozen_weights", cfg.Checkpoint.FrozenWeights)
		}
	}

	if cfg.Modes.Eval {
		args = append(args, "--eval")
	}
	if cfg.Modes.Test {
		args = append(args, "--test", "--test_type", cfg.Modes.TestType)
	}

	args = append(args, "--dist-url", cfg.Distributed.DistURL, "--distributed")

	switch {
	case cfg.DeepSpeed != nil && cfg.DeepSpeed.Enable:
		args = append(args, "--from_deepspeed", "--deepspeed_config", cfg.DeepSpeed.ConfigPath)
	case cfg.ColossalAI != nil && cfg.ColossalAI.Enable:
		args = append(args,
			"--from_colossalai",
			"--colossalai_config", cfg.ColossalAI.ConfigPath,
			"--host", cfg.Distributed.MasterAddr,
			"--port", strconv.Itoa(cfg.Distributed.MasterPort),
			"--world_size", strconv.Itoa(cfg.Distributed.WorldSize),
			"--backend", cfg.Distributed.Backend,
		)
	}

	return args
}

// TorchLaunchArgs returns the wrapper-mode interpreter arguments: the
// launcher module invocation naming the worker count, the rendezvous
// port, and the entry point, followed by the training flags.
func (cfg *Config) TorchLaunchArgs() []string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.unsafeTorchLaunchArgs()
}

func (cfg *Config) unsafeTorchLaunchArgs() (args []string) {
	if cfg.Runtime == nil || cfg.Distributed == nil {
		return nil
	}
	args = append(args,
		"-m", cfg.Runtime.LauncherModule,
		fmt.Sprintf("--nproc_per_node=%d", cfg.Distributed.NprocPerNode),
		fmt.Sprintf("--master_port=%d", cfg.Distributed.MasterPort),
		cfg.Runtime.EntryScript,
	)
	return append(args, cfg.unsafeBuildArgs()...)
}

// BuildEnv returns the child process environment: the launcher process
// environment extended with the cuBLAS determinism workspace, the GPU
// allowlist, the extra passthrough entries, and, for a non-negative rank,
// the rendezvous coordinates the entry point reads with "env://".
// Pass rank -1 in wrapper mode; the external launcher owns the rendezvous.
func (cfg *Config) BuildEnv(rank int) []string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.unsafeBuildEnv(rank)
}

func (cfg *Config) unsafeBuildEnv(rank int) (envs []string) {
	envs = os.Environ()
	if cfg.Distributed == nil {
		return envs
	}
	if cfg.Distributed.CublasWorkspaceConfig != "" {
		envs = append(envs, "CUBLAS_WORKSPACE_CONFIG="+cfg.Distributed.CublasWorkspaceConfig)
	}
	if cfg.Distributed.CUDAVisibleDevices != "" {
		envs = append(envs, "CUDA_VISIBLE_DEVICES="+cfg.Distributed.CUDAVisibleDevices)
	}
	for _, k := range sortedKeys(cfg.Envs) {
		envs = append(envs, k+"="+cfg.Envs[k])
	}
	if rank >= 0 {
		envs = append(envs,
			fmt.Sprintf("RANK=%d", rank),
			fmt.Sprintf("LOCAL_RANK=%d", rank),
			fmt.Sprintf("WORLD_SIZE=%d", cfg.Distributed.WorldSize),
			"MASTER_ADDR="+cfg.Distributed.MasterAddr,
			fmt.Sprintf("MASTER_PORT=%d", cfg.Distributed.MasterPort),
		)
	}
	return envs
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
