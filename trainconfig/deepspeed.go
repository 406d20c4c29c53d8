package trainconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Gy-Lu/unitab-launcher/pkg/fileutil"
)

// ParseBackendConfigs re-reads the enabled optimization backend
// configuration from disk. The backend files may have changed between
// validation and launch, so preflight calls this again.
func (cfg *Config) ParseBackendConfigs() (err error) {
	cfg.mu.Lock()
	defer func() {
		cfg.unsafeSync()
		cfg.mu.Unlock()
	}()

	if cfg.DeepSpeed != nil && cfg.DeepSpeed.Enable {
		if cfg.DeepSpeed.ConfigPath == "" {
			return errors.New("DeepSpeed.Enable 'true', but DeepSpeed.ConfigPath is empty")
		}
		if err = cfg.unsafeParseDeepSpeedConfig(); err != nil {
			return err
		}
	}
	if cfg.ColossalAI != nil && cfg.ColossalAI.Enable {
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

// deepSpeedConfig is the subset of the DeepSpeed configuration JSON the
// launcher understands.
// ref. https://www.deepspeed.ai/docs/config-json/
type deepSpeedConfig struct {
	TrainBatchSize            *int `json:"train_batch_size,omitempty"`
	TrainMicroBatchSizePerGPU *int `json:"train_micro_batch_size_per_gpu,omitempty"`
	GradientAccumulationSteps *int `json:"gradient_accumulation_steps,omitempty"`
}

// train_batch_size must equal micro batch times accumulation steps times
// world size when the configuration file pins them together
func (cfg *Config) unsafeParseDeepSpeedConfig() error {
	p := cfg.unsafeResolvePath(cfg.DeepSpeed.ConfigPath)
	d, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("failed to read DeepSpeed.ConfigPath %q (%v)", p, err)
	}
	var ds deepSpeedConfig
	if err = json.Unmarshal(d, &ds); err != nil {
		return fmt.Errorf("failed to parse DeepSpeed.ConfigPath %q (%v)", p, err)
	}

	cfg.DeepSpeed.TrainBatchSize = 0
	cfg.DeepSpeed.TrainMicroBatchSizePerGPU = 0
	cfg.DeepSpeed.GradientAccumulationSteps = 0
	if ds.TrainBatchSize != nil {
		if *ds.TrainBatchSize < 1 {
			return fmt.Errorf("DeepSpeed train_batch_size %d must be at least 1", *ds.TrainBatchSize)
		}
		cfg.DeepSpeed.TrainBatchSize = *ds.TrainBatchSize
	}
	if ds.TrainMicroBatchSizePerGPU != nil {
		if *ds.TrainMicroBatchSizePerGPU < 1 {
			return fmt.Errorf("DeepSpeed train_micro_batch_size_per_gpu %d must be at least 1", *ds.TrainMicroBatchSizePerGPU)
		}
		cfg.DeepSpeed.TrainMicroBatchSizePerGPU = *ds.TrainMicroBatchSizePerGPU
	}
	if ds.GradientAccumulationSteps != nil {
		if *ds.GradientAccumulationSteps < 1 {
			return fmt.Errorf("DeepSpeed gradient_accumulation_steps %d must be at least 1", *ds.GradientAccumulationSteps)
		}
		cfg.DeepSpeed.GradientAccumulationSteps = *ds.GradientAccumulationSteps
	}

	if ds.TrainBatchSize != nil && ds.TrainMicroBatchSizePerGPU != nil {
		steps := 1
		if ds.GradientAccumulationSteps != nil {
			steps = *ds.GradientAccumulationSteps
		}
		world := 1
		if cfg.Distributed != nil {
			world = cfg.Distributed.WorldSize
		}
		if expected := *ds.TrainMicroBatchSizePerGPU * steps * world; expected != *ds.TrainBatchSize {
			return fmt.Errorf("DeepSpeed train_batch_size %d != train_micro_batch_size_per_gpu %d * gradient_accumulation_steps %d * world size %d",
				*ds.TrainBatchSize, *ds.TrainMicroBatchSizePerGPU, steps, world)
		}
	}

	return nil
}
