package trainconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDeepSpeed(t *testing.T) {
	cfg := writeTestConfig(t)
	dsPath := filepath.Join(filepath.Dir(cfg.ConfigPath), "deepspeed.json")
	dsJSON := `{
  "train_batch_size": 8,
  "train_micro_batch_size_per_gpu": 2,
  "gradient_accumulation_steps": 2,
  "fp16": {"enabled": true}
}
`
	if err := os.WriteFile(dsPath, []byte(dsJSON), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.DeepSpeed.Enable = true
	cfg.DeepSpeed.ConfigPath = dsPath
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}

	if cfg.DeepSpeed.TrainBatchSize != 8 {
		t.Fatalf("unexpected cfg.DeepSpeed.TrainBatchSize %d", cfg.DeepSpeed.TrainBatchSize)
	}
	if cfg.DeepSpeed.TrainMicroBatchSizePerGPU != 2 {
		t.Fatalf("unexpected cfg.DeepSpeed.TrainMicroBatchSizePerGPU %d", cfg.DeepSpeed.TrainMicroBatchSizePerGPU)
	}
	if cfg.DeepSpeed.GradientAccumulationSteps != 2 {
		t.Fatalf("unexpected cfg.DeepSpeed.GradientAccumulationSteps %d", cfg.DeepSpeed.GradientAccumulationSteps)
	}

	args := cfg.BuildArgs()
	if !hasArg(args, "--from_deepspeed") || !hasArgValue(args, "--deepspeed_config", dsPath) {
		t.Fatalf("missing DeepSpeed flags in %q", args)
	}
	if hasArg(args, "--from_colossalai") {
		t.Fatalf("unexpected ColossalAI flag in %q", args)
	}
}

func TestDeepSpeedBatchMismatch(t *testing.T) {
	cfg := writeTestConfig(t)
	dsPath := filepath.Join(filepath.Dir(cfg.ConfigPath), "deepspeed.json")
	// 2 * 2 * world size 2 != 9
	dsJSON := `{"train_batch_size": 9, "train_micro_batch_size_per_gpu": 2, "gradient_accumulation_steps": 2}`
	if err := os.WriteFile(dsPath, []byte(dsJSON), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.DeepSpeed.Enable = true
	cfg.DeepSpeed.ConfigPath = dsPath

	err := cfg.ValidateAndSetDefaults()
	if err == nil {
		t.Fatal("expected batch arithmetic error")
	}
	if !strings.Contains(err.Error(), "train_batch_size 9 != train_micro_batch_size_per_gpu 2") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestColossalAI(t *testing.T) {
	cfg := writeTestConfig(t)
	coloPath := filepath.Join(filepath.Dir(cfg.ConfigPath), "colossalai.py")
	if err := os.WriteFile(coloPath, []byte("zero = dict()\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.ColossalAI.Enable = true
	cfg.ColossalAI.ConfigPath = coloPath
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}

	args := cfg.BuildArgs()
	if !hasArg(args, "--from_colossalai") || !hasArgValue(args, "--colossalai_config", coloPath) {
		t.Fatalf("missing ColossalAI flags in %q", args)
	}
	if !hasArgValue(args, "--host", "127.0.0.1") {
		t.Fatalf("missing --host in %q", args)
	}
	if !hasArgValue(args, "--port", "29500") {
		t.Fatalf("missing --port in %q", args)
	}
	if !hasArgValue(args, "--world_size", "2") {
		t.Fatalf("missing --world_size in %q", args)
	}
	if !hasArgValue(args, "--backend", "nccl") {
		t.Fatalf("missing --backend in %q", args)
	}
}
