package config

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Settings mirrors the config file and the CLI flag surface. All
// fields default to zero values, the config file may not exist.
type Settings struct {
	APIKey     string `yaml:"api_key"`
	UserAgent  string `yaml:"user_agent"`
	DownloadTo string `yaml:"download_to"`
	MirrorWeb  bool   `yaml:"mirror_web"`
	URLsOnly   bool   `yaml:"urls_only"`
	Parallel   int    `yaml:"parallel"`

	FilterGlob  string `yaml:"filter_glob"`
	FilterRegex string `yaml:"filter_regex"`

	FilterFilesGlob     string `yaml:"filter_files_glob"`
	FilterFilesRegex    string `yaml:"filter_files_regex"`
	FilterFilesPlatform string `yaml:"filter_files_platform"`

	Force   bool `yaml:"force"`
	Verbose bool `yaml:"verbose"`
}

// Dir returns the configuration directory, honoring XDG_CONFIG_HOME.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "itchgrab")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "itchgrab"
	}
	return filepath.Join(home, ".config", "itchgrab")
}

// Load reads the base settings file and, when a profile name is given,
// overlays the profile file on top. Keys absent from a file leave the
// previous value in place, so profiles only need their overrides.
func Load(fsys afero.Fs, dir, profile string) (*Settings, error) {
	settings := &Settings{Parallel: 1}

	if err := loadFile(fsys, filepath.Join(dir, "config.yaml"), settings); err != nil {
		return nil, err
	}
	if profile != "" {
		profilePath := filepath.Join(dir, "profiles", profile)
		if err := loadFile(fsys, profilePath, settings); err != nil {
			return nil, err
		}
	}
	return settings, nil
}

func loadFile(fsys afero.Fs, path string, settings *Settings) error {
	data, err := afero.ReadFile(fsys, path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Debug().Str("op", "config").Msgf("Found config file: %s", path)
	return yaml.Unmarshal(data, settings)
}
