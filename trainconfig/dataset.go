package trainconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ParseDatasetOverlay reads the dataset configuration JSON and records the
// keys the training entry point overlays onto its argument namespace
// (e.g. "flickr_img_path", "GT_type", "refexp_dataset_name").
func (cfg *Config) ParseDatasetOverlay() (err error) {
	cfg.mu.Lock()
	defer func() {
		cfg.unsafeSync()
		cfg.mu.Unlock()
	}()

	if cfg.Dataset == nil || cfg.Dataset.ConfigPath == "" {
		return errors.New("Dataset.ConfigPath is empty")
	}
	p := cfg.unsafeResolvePath(cfg.Dataset.ConfigPath)
	var d []byte
	d, err = os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("failed to read Dataset.ConfigPath %q (%v)", p, err)
	}
	var overlay map[string]interface{}
	if err = json.Unmarshal(d, &overlay); err != nil {
		return fmt.Errorf("failed to parse Dataset.ConfigPath %q (%v)", p, err)
	}

	cfg.Dataset.Overlay = make(map[string]string, len(overlay))
	for k, v := range overlay {
		cfg.Dataset.Overlay[k] = fmt.Sprint(v)
	}
	return nil
}
