package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the vrwkv configuration file
// (~/.config/vrwkv/config.yaml). Fields are pointers so "not set" is
// distinguishable from zero values.
type Config struct {
	ModelPath string `yaml:"model_path"`

	VocabSize *int64 `yaml:"vocab_size"`
	NEmbd     *int64 `yaml:"n_embd"`
	NLayer    *int64 `yaml:"n_layer"`
	HeadSize  *int64 `yaml:"head_size"`
	CtxLen    *int64 `yaml:"ctx_len"`

	GridSize      *int64 `yaml:"grid_size"`
	ImageScanning string `yaml:"image_scanning"`
	VisionDim     *int64 `yaml:"vision_dim"`
	VisionSide    *int64 `yaml:"vision_side"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vrwkv", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or fails to parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyConfig fills flag variables from the config file wherever the
// corresponding CLI flag was not explicitly set.
func applyConfig(c *cli.Command, cfg Config) {
	if cfg.ModelPath != "" && !c.IsSet("model") {
		modelPath = cfg.ModelPath
	}
	if cfg.VocabSize != nil && !c.IsSet("vocab-size") {
		vocabSize = *cfg.VocabSize
	}
	if cfg.NEmbd != nil && !c.IsSet("n-embd") {
		nEmbd = *cfg.NEmbd
	}
	if cfg.NLayer != nil && !c.IsSet("n-layer") {
		nLayer = *cfg.NLayer
	}
	if cfg.HeadSize != nil && !c.IsSet("head-size") {
		headSize = *cfg.HeadSize
	}
	if cfg.CtxLen != nil && !c.IsSet("ctx-len") {
		ctxLen = *cfg.CtxLen
	}
	if cfg.GridSize != nil && !c.IsSet("grid-size") {
		gridSize = *cfg.GridSize
	}
	if cfg.ImageScanning != "" && !c.IsSet("image-scanning") {
		imageScanning = cfg.ImageScanning
	}
	if cfg.VisionDim != nil && !c.IsSet("vision-dim") {
		visionDim = *cfg.VisionDim
	}
	if cfg.VisionSide != nil && !c.IsSet("vision-side") {
		visionSide = *cfg.VisionSide
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}
