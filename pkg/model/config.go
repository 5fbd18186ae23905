package model

// Cfg is the root configuration document, loaded from the file named by
// the SCAN_CONFIG_YAML environment variable.
type Cfg struct {
	Common   Common   `yaml:"common"`
	Identity Identity `yaml:"identity" validate:"required"`
	Trust    Trust    `yaml:"trust" validate:"required"`
	Session  Session  `yaml:"session" validate:"required"`
	Pairing  Pairing  `yaml:"pairing" validate:"required"`
	Capture  Capture  `yaml:"capture" validate:"omitempty"`
}

// Common holds settings shared across the process.
type Common struct {
	Production bool   `yaml:"production"`
	LogLevel   string `yaml:"log_level"`
	LogPath    string `yaml:"log_path"`
}

// Identity configures where the device identity document lives on disk.
type Identity struct {
	DocumentPath string `yaml:"document_path" validate:"required"`
}

// Trust configures where the encrypted trust store and its key file live.
type Trust struct {
	StorePath string `yaml:"store_path" validate:"required"`
	KeyPath   string `yaml:"key_path" validate:"required"`
}

// Session configures where recorded session packages are written.
type Session struct {
	RootDir string `yaml:"root_dir" validate:"required"`
}

// Pairing configures the pairing HTTP client.
type Pairing struct {
	ConfirmTimeoutSeconds int `yaml:"confirm_timeout_seconds" validate:"required,min=1" default:"10"`
}

// Capture holds the default backpressure-tunable capture parameters,
// overridden at runtime by BackpressureHint control messages.
type Capture struct {
	TargetKeyframeFPS    float64 `yaml:"target_keyframe_fps" default:"1"`
	DepthStride          int     `yaml:"depth_stride" default:"1"`
	MeshUpdateIntervalMs int     `yaml:"mesh_update_interval_ms" default:"1000"`
	DropNonKeyframes     bool    `yaml:"drop_non_keyframes"`
}
