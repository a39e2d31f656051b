package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/mchmarny/sepeval/pkg/checkpoint"
	"github.com/mchmarny/sepeval/pkg/dataset"
	"github.com/mchmarny/sepeval/pkg/metric"
	"github.com/mchmarny/sepeval/pkg/model"
	"gopkg.in/yaml.v3"
)

const (
	hparamsPath = "tb_logs/hparams.yaml"
	weightsDir  = "weights"
	logFileName = "test.log"

	fileMode = 0600
)

var (
	ErrConfigNotFound = errors.New("run configuration not found")

	validate *validator.Validate
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("model", validateModelName)
}

// validateModelName accepts only registered model names.
func validateModelName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	for _, n := range model.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Layout resolves the well-known paths of a run directory.
type Layout struct {
	RunDir string
}

func NewLayout(runDir string) Layout {
	return Layout{RunDir: filepath.Clean(runDir)}
}

func (l Layout) HParamsPath() string { return filepath.Join(l.RunDir, hparamsPath) }
func (l Layout) WeightsDir() string  { return filepath.Join(l.RunDir, weightsDir) }
func (l Layout) LogPath() string     { return filepath.Join(l.RunDir, logFileName) }

// HParams is the run configuration saved by training.
type HParams struct {
	Model       ModelParams      `yaml:"model"`
	TestDataset DatasetParams    `yaml:"test_dataset"`
	Checkpoint  CheckpointParams `yaml:"checkpoint"`
}

// ModelParams select and shape the separation network.
type ModelParams struct {
	Name     string `yaml:"name" validate:"required,model"`
	Sources  int    `yaml:"sources" validate:"gte=0"`
	Channels int    `yaml:"channels" validate:"gte=0"`
	Taps     int    `yaml:"taps" validate:"gte=0"`
}

// DatasetParams locate the test set.
type DatasetParams struct {
	InFP       string   `yaml:"in_fp" validate:"required"`
	Targets    []string `yaml:"targets" validate:"required,min=1,dive,required"`
	Mixture    string   `yaml:"mixture"`
	SampleRate int      `yaml:"sample_rate" validate:"gte=0"`
	ChunkSize  int      `yaml:"chunk_size" validate:"gte=0"`
}

// CheckpointParams describe how checkpoints were written.
type CheckpointParams struct {
	StripPrefixes []string `yaml:"strip_prefixes"`
}

const defaultChannels = 2

// Load reads and validates the run configuration at path.
func Load(path string) (*HParams, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var hp HParams
	if err := yaml.Unmarshal(b, &hp); err != nil {
		return nil, fmt.Errorf("error unmarshalling config file %s: %w", path, err)
	}

	hp.applyDefaults()
	if err := hp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &hp, nil
}

// Save writes the configuration to path, creating parent directories.
func Save(path string, hp *HParams) error {
	if hp == nil {
		return errors.New("config required")
	}
	b, err := yaml.Marshal(hp)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

func (hp *HParams) applyDefaults() {
	if hp.Model.Sources == 0 {
		hp.Model.Sources = len(hp.TestDataset.Targets)
	}
	if hp.Model.Channels == 0 {
		hp.Model.Channels = defaultChannels
	}
	if hp.TestDataset.Mixture == "" {
		hp.TestDataset.Mixture = dataset.DefaultMixtureName
	}
}

// Validate checks field constraints and cross-field consistency.
func (hp *HParams) Validate() error {
	if err := validate.Struct(hp); err != nil {
		return err
	}
	if hp.Model.Sources != len(hp.TestDataset.Targets) {
		return fmt.Errorf("model predicts %d sources but test_dataset lists %d targets",
			hp.Model.Sources, len(hp.TestDataset.Targets))
	}
	return nil
}

// ModelConfig returns the network configuration.
func (hp *HParams) ModelConfig() model.Config {
	return model.Config{
		Name:     hp.Model.Name,
		Sources:  hp.Model.Sources,
		Channels: hp.Model.Channels,
		Taps:     hp.Model.Taps,
	}
}

// MetricOptions returns the metric settings of the test set.
func (hp *HParams) MetricOptions() metric.Options {
	return metric.Options{ChunkSize: hp.TestDataset.ChunkSize}
}

// DatasetOptions returns the test set location. Relative roots are
// resolved against the run directory.
func (hp *HParams) DatasetOptions(runDir string) dataset.Options {
	root := hp.TestDataset.InFP
	if !filepath.IsAbs(root) {
		root = filepath.Join(runDir, root)
	}
	return dataset.Options{
		Root:        root,
		Targets:     hp.TestDataset.Targets,
		MixtureName: hp.TestDataset.Mixture,
		SampleRate:  hp.TestDataset.SampleRate,
	}
}

// StripPrefixes returns the wrapper prefixes to remove from checkpoint
// parameter names.
func (hp *HParams) StripPrefixes() []string {
	if len(hp.Checkpoint.StripPrefixes) == 0 {
		return checkpoint.DefaultStripPrefixes
	}
	return hp.Checkpoint.StripPrefixes
}
