// Package activate prepares the process context the planet update runs in:
// the site working directory, the conda environment and the two variables
// Django needs to reach the database.
package activate

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/biostar-central/planetjob/internal/config"
)

var (
	ErrWorkDirMissing = errors.New("working directory not found")
	ErrHookMissing    = errors.New("conda hook not found")
)

const (
	PostgresHostVar   = "POSTGRES_HOST"
	DjangoSettingsVar = "DJANGO_SETTINGS_MODULE"

	shell = "bash"
	// Positional parameters keep paths and names out of the script text.
	// $0 is the process name, $1 the hook, $2 the environment, the rest is argv.
	activateScript = `set -ue; . "$1"; conda activate "$2"; shift 2; exec "$@"`
	shellArgv0     = "planetjob"
)

// Environment is the prepared context of a single run.
type Environment struct {
	WorkDir  string
	Hook     string // empty when activation is disabled
	CondaEnv string
	Vars     []string
}

// Prepare checks the working directory and hook and builds the child
// environment. It never modifies the environment of the current process.
func Prepare(cfg config.Config) (Environment, error) {
	workDir, err := ExpandHome(cfg.WorkDir)
	if err != nil {
		return Environment{}, err
	}
	info, err := os.Stat(workDir)
	if err != nil || !info.IsDir() {
		return Environment{}, fmt.Errorf("%w: %s", ErrWorkDirMissing, workDir)
	}

	env := Environment{
		WorkDir:  workDir,
		CondaEnv: cfg.CondaEnv,
	}

	if cfg.CondaHook != "" {
		hook, err := ExpandHome(cfg.CondaHook)
		if err != nil {
			return Environment{}, err
		}
		info, err := os.Stat(hook)
		if err != nil || !info.Mode().IsRegular() {
			return Environment{}, fmt.Errorf("%w: %s", ErrHookMissing, hook)
		}
		env.Hook = hook
	}

	env.Vars = MergeEnv(os.Environ(), map[string]string{
		PostgresHostVar:   cfg.PostgresHost,
		DjangoSettingsVar: cfg.DjangoSettings,
	})
	return env, nil
}

// Activated reports whether commands run inside the conda environment.
func (e Environment) Activated() bool {
	return e.Hook != ""
}

// Wrap returns the program and arguments that run argv inside the
// environment. Without a hook argv is returned unchanged.
func (e Environment) Wrap(argv []string) (string, []string) {
	if !e.Activated() {
		return argv[0], argv[1:]
	}
	args := make([]string, 0, len(argv)+5)
	args = append(args, "-c", activateScript, shellArgv0, e.Hook, e.CondaEnv)
	args = append(args, argv...)
	return shell, args
}

// MergeEnv returns base with every key in overrides replaced or appended.
// base is not modified.
func MergeEnv(base []string, overrides map[string]string) []string {
	merged := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		merged = append(merged, kv)
	}
	for _, key := range slices.Sorted(maps.Keys(overrides)) {
		merged = append(merged, key+"="+overrides[key])
	}
	return merged
}

// ExpandHome expands a leading "~" to the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
