package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning holds every knob of the import engine. Anything an operator might
// reasonably disagree with (retry budgets, TPS thresholds) lives here rather
// than in code.
type Tuning struct {
	// Worker pool shared by scanning and writing.
	Workers int `yaml:"workers"`

	// Batch sizing for the throttle controller.
	BatchInitial int `yaml:"batch_initial"`
	BatchMax     int `yaml:"batch_max"`

	// TPS thresholds (a vanilla server idles at 20).
	TPSHealthy  float64 `yaml:"tps_healthy"`
	TPSCritical float64 `yaml:"tps_critical"`

	// Pacing.
	InterBatchDelayMs int `yaml:"inter_batch_delay_ms"`
	CooldownMs        int `yaml:"cooldown_ms"`

	// Retry budgets.
	LoadedRetryPasses int `yaml:"loaded_retry_passes"`
	RegionRetryLimit  int `yaml:"region_retry_limit"`
	ProbeRetries      int `yaml:"probe_retries"`
	MaxFailedRegions  int `yaml:"max_failed_regions"`

	// I/O bounds. Every external call converts a deadline overrun into a
	// retryable error instead of blocking the job.
	ProbeTimeoutMs int `yaml:"probe_timeout_ms"`
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
}

func Defaults() Tuning {
	return Tuning{
		Workers:           2,
		BatchInitial:      4,
		BatchMax:          32,
		TPSHealthy:        18.0,
		TPSCritical:       12.0,
		InterBatchDelayMs: 250,
		CooldownMs:        5000,
		LoadedRetryPasses: 3,
		RegionRetryLimit:  3,
		ProbeRetries:      3,
		MaxFailedRegions:  0,
		ProbeTimeoutMs:    2000,
		WriteTimeoutMs:    10000,
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if t.BatchInitial < 1 || t.BatchMax < t.BatchInitial {
		return fmt.Errorf("batch sizing invalid: initial=%d max=%d", t.BatchInitial, t.BatchMax)
	}
	if t.TPSCritical > t.TPSHealthy {
		return fmt.Errorf("tps_critical (%.1f) above tps_healthy (%.1f)", t.TPSCritical, t.TPSHealthy)
	}
	if t.LoadedRetryPasses < 0 || t.RegionRetryLimit < 1 {
		return fmt.Errorf("retry budgets invalid")
	}
	return nil
}
