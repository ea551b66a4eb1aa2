package log

import (
	"os"
	"path/filepath"

	"github.com/pingcap/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes a rotated log file.
type FileConfig struct {
	Filename   string `toml:"filename"`
	MaxSize    int    `toml:"max-size"` // MB
	MaxDays    int    `toml:"max-days"`
	MaxBackups int    `toml:"max-backups"`
}

const defaultLogMaxSize = 300 // MB

// InitFileLogger redirects the global logger to a rotated file. An empty
// filename keeps the current output.
func InitFileLogger(cfg *FileConfig) error {
	if cfg == nil || len(cfg.Filename) == 0 {
		return nil
	}
	if st, err := os.Stat(cfg.Filename); err == nil && st.IsDir() {
		return errors.Errorf("can't use directory %s as log file name", cfg.Filename)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
		return errors.Trace(err)
	}
	maxSize := cfg.MaxSize
	if maxSize == 0 {
		maxSize = defaultLogMaxSize
	}
	SetOutput(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	})
	return nil
}
