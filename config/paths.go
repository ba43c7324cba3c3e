package config

import (
	"os"
	"path/filepath"
)

// DefaultProfileName is used when neither a flag nor the config file names one.
const DefaultProfileName = "main"

// BaseDir returns ~/.chatsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// ProfileDir returns the profile-specific directory.
func ProfileDir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// DBPath returns the cache database path for a profile.
func DBPath(name string) string {
	return filepath.Join(ProfileDir(name), "cache.db")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(ProfileDir(name), "logs")
}

// LogPath returns the engine log file path for a profile.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatsync.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureProfileDir creates the profile directory tree with proper permissions.
func EnsureProfileDir(name string) error {
	dirs := []string{
		ProfileDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ResolveProfile determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml default_profile
// 3. "main"
func ResolveProfile(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}
