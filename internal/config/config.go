package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         string
	ModelPath    string
	MetadataPath string
	// ORTLibPath points at the onnxruntime shared library. Empty means the
	// platform default lookup.
	ORTLibPath string
	Device     string
	PreLoad    bool
	WatchModel bool
	// AllowPathInput lets HTTP callers name images on the server's disk.
	AllowPathInput bool
	MaxUploadSize  int64
	// MaxImagePixels caps width*height of decoded images.
	MaxImagePixels int64
	LogLevel       string
	LogFile        string
}

// IsDev reports whether the process runs in development mode, where a .env
// file is honoured.
func IsDev() bool {
	env := os.Getenv("RUN_TIME_ENV")
	return env == "dev" || env == ""
}

// LoadDotEnv loads .env in development mode. A missing file is not an error.
func LoadDotEnv() error {
	if !IsDev() {
		return nil
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// Load reads the configuration from the environment. Relative model paths
// resolve against root.
func Load(root string) (*Config, error) {
	cfg := &Config{
		Port:         getenv("PORT", "8080"),
		ModelPath:    resolve(root, getenv("MODEL_PATH", filepath.Join("models", "model.onnx"))),
		MetadataPath: resolve(root, getenv("METADATA_PATH", filepath.Join("models", "model_metadata.json"))),
		ORTLibPath:   os.Getenv("ORT_LIB_PATH"),
		Device:       strings.ToLower(getenv("DEVICE", "cpu")),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		LogFile:      os.Getenv("LOG_FILE"),
	}

	var err error
	if cfg.PreLoad, err = getbool("PRELOAD"); err != nil {
		return nil, err
	}
	if cfg.WatchModel, err = getbool("MODEL_WATCH"); err != nil {
		return nil, err
	}
	if cfg.AllowPathInput, err = getbool("ALLOW_PATH_INPUT"); err != nil {
		return nil, err
	}

	mb, err := strconv.ParseInt(getenv("MAX_UPLOAD_MB", "10"), 10, 64)
	if err != nil || mb <= 0 {
		return nil, fmt.Errorf("invalid MAX_UPLOAD_MB %q", os.Getenv("MAX_UPLOAD_MB"))
	}
	cfg.MaxUploadSize = mb << 20

	mp, err := strconv.ParseFloat(getenv("MAX_IMAGE_MP", "50"), 64)
	if err != nil || mp <= 0 {
		return nil, fmt.Errorf("invalid MAX_IMAGE_MP %q", os.Getenv("MAX_IMAGE_MP"))
	}
	cfg.MaxImagePixels = int64(mp * 1e6)

	return cfg, nil
}

// ProjectRoot returns the working directory, stepping out of cmd/<name> when
// the binary is started from there with go run.
func ProjectRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	if filepath.Base(filepath.Dir(wd)) == "cmd" {
		return filepath.Join(wd, "..", ".."), nil
	}
	return wd, nil
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) || root == "" {
		return p
	}
	return filepath.Join(root, p)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getbool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}
