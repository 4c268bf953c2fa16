package log

// Config controls the process logger.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `conf:"level" yaml:"level" json:"level"`

	// Format is one of json, console. Defaults to console.
	Format string `conf:"format" yaml:"format" json:"format"`

	// Output is one of stdout, stderr, file. Defaults to stderr.
	Output string `conf:"output" yaml:"output" json:"output"`

	// File configures rotation when Output is file.
	File FileConfig `conf:"file" yaml:"file" json:"file"`
}

type FileConfig struct {
	Path       string `conf:"path"        yaml:"path"        json:"path"`
	MaxSizeMB  int    `conf:"max_size_mb" yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `conf:"max_backups" yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `conf:"max_age_days" yaml:"max_age_days" json:"max_age_days"`
}
