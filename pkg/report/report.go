package report

// CheckpointReport is the printable outcome of one checkpoint evaluation.
type CheckpointReport struct {
	Checkpoint string    `json:"checkpoint" yaml:"checkpoint"`
	State      string    `json:"state" yaml:"state"`
	Examples   int       `json:"examples" yaml:"examples"`
	Silent     int       `json:"silent,omitempty" yaml:"silent,omitempty"`
	Failed     int       `json:"failed,omitempty" yaml:"failed,omitempty"`
	Duration   string    `json:"duration" yaml:"duration"`
	Summaries  []Summary `json:"summaries,omitempty" yaml:"summaries,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// RunReport is the printable outcome of a whole run.
type RunReport struct {
	RunID       string              `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	RunDir      string              `json:"run_dir" yaml:"run_dir"`
	Model       string              `json:"model" yaml:"model"`
	Device      string              `json:"device" yaml:"device"`
	Duration    string              `json:"duration" yaml:"duration"`
	Checkpoints []*CheckpointReport `json:"checkpoints" yaml:"checkpoints"`
}
