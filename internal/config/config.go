package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Backends a pose estimator can be built from
const (
	BackendONNX     = "onnx"
	BackendLandmark = "landmark"
	BackendVLM      = "vlm"
	BackendNone     = "none"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Estimator EstimatorConfig `json:"estimator"`
	Video     VideoConfig     `json:"video"`
	Output    OutputConfig    `json:"output"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig holds configuration for the HTTP API
type ServerConfig struct {
	Addr           string `json:"addr"`
	MaxUploadBytes int64  `json:"max_upload_bytes"`
	TempDir        string `json:"temp_dir"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	SentryDSN      string `json:"sentry_dsn"`
}

// EstimatorConfig selects and tunes the pose estimator
type EstimatorConfig struct {
	Backend  string         `json:"backend"`
	Workers  int            `json:"workers"`
	ONNX     ONNXConfig     `json:"onnx"`
	Landmark LandmarkConfig `json:"landmark"`
	VLM      VLMConfig      `json:"vlm"`
}

// ONNXConfig holds configuration for the local YOLO pose model
type ONNXConfig struct {
	ModelPath     string  `json:"model_path"`
	LibraryPath   string  `json:"library_path"`
	InputSize     int     `json:"input_size"`
	ConfThreshold float64 `json:"conf_threshold"`
	IOUThreshold  float64 `json:"iou_threshold"`
	Sessions      int     `json:"sessions"`
	Threads       int     `json:"threads"`
}

// LandmarkConfig holds configuration for the MediaPipe worker process
type LandmarkConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	MaxDim  int      `json:"max_dim"`
}

// VLMConfig holds configuration for vision language model backends
type VLMConfig struct {
	Provider string  `json:"provider"` // ollama or llamacpp
	URL      string  `json:"url"`
	Model    string  `json:"model"`
	MaxDim   int     `json:"max_dim"`
	Quality  int     `json:"quality"`
	MinScore float64 `json:"min_score"`
}

// VideoConfig controls frame extraction
type VideoConfig struct {
	Stride    int `json:"stride"`
	MaxFrames int `json:"max_frames"`
	MaxHeight int `json:"max_height"`
}

// OutputConfig holds configuration for annotated images written by the CLI
type OutputConfig struct {
	DefaultFormat string `json:"default_format"`
	Quality       int    `json:"quality"`
	OutputDir     string `json:"output_dir"`
	Suffix        string `json:"suffix"`
}

// LoggingConfig holds logrus settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // text or json
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8000",
			MaxUploadBytes: 200 << 20,
			TimeoutSeconds: 600,
		},
		Estimator: EstimatorConfig{
			Backend: BackendONNX,
			Workers: 2,
			ONNX: ONNXConfig{
				ModelPath:     "yolov8n-pose.onnx",
				InputSize:     640,
				ConfThreshold: 0.25,
				IOUThreshold:  0.45,
				Sessions:      2,
				Threads:       1,
			},
			Landmark: LandmarkConfig{
				Command: "python3",
				Args:    []string{"scripts/pose_worker.py"},
				MaxDim:  960,
			},
			VLM: VLMConfig{
				Provider: "ollama",
				URL:      "http://localhost:11434",
				Model:    "qwen2.5vl:7b",
				MaxDim:   768,
				Quality:  90,
				MinScore: 0.3,
			},
		},
		Video: VideoConfig{
			Stride:    1,
			MaxHeight: 720,
		},
		Output: OutputConfig{
			DefaultFormat: "jpg",
			Quality:       90,
			OutputDir:     "./output",
			Suffix:        "_pose",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Keys missing from the file keep
// their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides settings from POSTURE_* environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("POSTURE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("POSTURE_BACKEND"); v != "" {
		c.Estimator.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("POSTURE_MODEL"); v != "" {
		if c.Estimator.Backend == BackendVLM {
			c.Estimator.VLM.Model = v
		} else {
			c.Estimator.ONNX.ModelPath = v
		}
	}
	if v := os.Getenv("POSTURE_ORT_LIBRARY"); v != "" {
		c.Estimator.ONNX.LibraryPath = v
	}
	if v := os.Getenv("POSTURE_VLM_URL"); v != "" {
		c.Estimator.VLM.URL = v
	}
	if v := os.Getenv("POSTURE_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Server.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("POSTURE_SENTRY_DSN"); v != "" {
		c.Server.SentryDSN = v
	}
	if v := os.Getenv("POSTURE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.MaxUploadBytes < 1 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}

	switch c.Estimator.Backend {
	case BackendONNX:
		if c.Estimator.ONNX.ModelPath == "" {
			return fmt.Errorf("estimator.onnx.model_path is required")
		}
		if c.Estimator.ONNX.InputSize < 32 || c.Estimator.ONNX.InputSize%32 != 0 {
			return fmt.Errorf("estimator.onnx.input_size must be a positive multiple of 32")
		}
		if c.Estimator.ONNX.ConfThreshold < 0 || c.Estimator.ONNX.ConfThreshold > 1 {
			return fmt.Errorf("estimator.onnx.conf_threshold must be between 0 and 1")
		}
		if c.Estimator.ONNX.IOUThreshold < 0 || c.Estimator.ONNX.IOUThreshold > 1 {
			return fmt.Errorf("estimator.onnx.iou_threshold must be between 0 and 1")
		}
	case BackendLandmark:
		if c.Estimator.Landmark.Command == "" {
			return fmt.Errorf("estimator.landmark.command is required")
		}
	case BackendVLM:
		switch c.Estimator.VLM.Provider {
		case "ollama", "llamacpp":
		default:
			return fmt.Errorf("estimator.vlm.provider must be ollama or llamacpp")
		}
		if c.Estimator.VLM.Model == "" {
			return fmt.Errorf("estimator.vlm.model is required")
		}
		if c.Estimator.VLM.Quality < 1 || c.Estimator.VLM.Quality > 100 {
			return fmt.Errorf("estimator.vlm.quality must be between 1 and 100")
		}
	case BackendNone:
	default:
		return fmt.Errorf("estimator.backend must be one of onnx, landmark, vlm, none")
	}

	if c.Estimator.Workers < 1 {
		return fmt.Errorf("estimator.workers must be positive")
	}

	if c.Video.Stride < 0 || c.Video.MaxFrames < 0 || c.Video.MaxHeight < 0 {
		return fmt.Errorf("video settings cannot be negative")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "posture-analyzer", "config.json")
}
