// Package dirs resolves the daemon's runtime and configuration directories.
// It follows the XDG base directory conventions with fallbacks for systems
// that only partly implement them.
package dirs

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
)

// ConfigDir returns the directory searched for a config file.
// Priority: $EXECD_CONFIG_DIR > $XDG_CONFIG_HOME/execd > ~/.config/execd
func ConfigDir() string {
	if v := os.Getenv("EXECD_CONFIG_DIR"); v != "" {
		return v
	}
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, "execd")
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", "execd")
	}
	return filepath.Join(os.TempDir(), "execd-config")
}

// DefaultConfigFile returns the first config file found in ConfigDir, or "".
func DefaultConfigFile() string {
	dir := ConfigDir()
	for _, name := range []string{"config.yaml", "config.yml", "config.jsonc", "config.json"} {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// RuntimeDir returns the directory for ephemeral runtime data (sockets).
// Priority: $EXECD_RUNTIME_DIR > best available runtime dir > $TMPDIR/execd-$USER
func RuntimeDir() string {
	if v := os.Getenv("EXECD_RUNTIME_DIR"); v != "" {
		return v
	}

	if base := findRuntimeBase(); base != "" {
		return filepath.Join(base, "execd")
	}

	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return filepath.Join(os.TempDir(), "execd-"+username)
}

// SocketPath is the default unix socket for the daemon's API.
func SocketPath() string {
	return filepath.Join(RuntimeDir(), "execd.sock")
}

// findRuntimeBase finds the best available runtime directory base.
// On Linux this is typically /run/user/$UID.
func findRuntimeBase() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}

	currentUser, err := user.Current()
	if err != nil {
		return ""
	}

	candidates := []string{
		filepath.Join("/run/user", currentUser.Uid),
		filepath.Join("/var/run/user", currentUser.Uid),
	}
	if runtime.GOOS == "freebsd" {
		candidates = append([]string{
			filepath.Join("/var/run/xdg", currentUser.Username),
		}, candidates...)
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
