// Package versioninfo collects build and platform strings for report headers.
// Every value is optional.
package versioninfo

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"
)

// DefaultRunnerModule is the test framework whose version is reported as the runner version
const DefaultRunnerModule = "github.com/stretchr/testify"

// branchEnvVars are consulted in order before falling back to .git/HEAD
var branchEnvVars = []string{"OP_LAUNCH_GIT_BRANCH", "CIRCLE_BRANCH", "GITHUB_HEAD_REF", "GITHUB_REF_NAME"}

type Info struct {
	GitBranch         string
	OSVersion         string
	TestRunnerVersion string
	RuntimeVersion    string
	ModulePath        string
	GoVersion         string // go directive of the module under test
}

// Source supplies version strings. Implementations must not fail.
type Source interface {
	VersionInfo() Info
}

// Static is a fixed Source
type Static Info

func (s Static) VersionInfo() Info {
	return Info(s)
}

// Detector discovers version info from the environment, a module directory and git metadata
type Detector struct {
	log          log.Logger
	moduleDir    string
	runnerModule string
	lookupEnv    func(string) (string, bool)
}

var _ Source = (*Detector)(nil)

func NewDetector(logger log.Logger, moduleDir string) *Detector {
	if logger == nil {
		logger = log.Root()
	}
	return &Detector{
		log:          logger,
		moduleDir:    moduleDir,
		runnerModule: DefaultRunnerModule,
		lookupEnv:    os.LookupEnv,
	}
}

// WithRunnerModule changes which dependency is reported as the runner version
func (d *Detector) WithRunnerModule(path string) *Detector {
	d.runnerModule = path
	return d
}

func (d *Detector) WithLookupEnv(lookup func(string) (string, bool)) *Detector {
	d.lookupEnv = lookup
	return d
}

func (d *Detector) VersionInfo() Info {
	info := Info{
		OSVersion:      fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		RuntimeVersion: runtime.Version(),
	}
	if d.moduleDir == "" {
		info.GitBranch = d.branchFromEnv()
		return info
	}

	if mod, err := readModFile(d.moduleDir); err != nil {
		d.log.Debug("No go.mod for version info", "dir", d.moduleDir, "err", err)
	} else {
		if mod.Module != nil {
			info.ModulePath = mod.Module.Mod.Path
		}
		if mod.Go != nil {
			info.GoVersion = mod.Go.Version
		}
		info.TestRunnerVersion = requiredVersion(mod, d.runnerModule)
	}

	info.GitBranch = d.branchFromEnv()
	if info.GitBranch == "" {
		branch, err := gitBranch(d.moduleDir)
		if err != nil {
			d.log.Debug("No git branch for version info", "dir", d.moduleDir, "err", err)
		}
		info.GitBranch = branch
	}
	return info
}

func (d *Detector) branchFromEnv() string {
	for _, name := range branchEnvVars {
		if v, ok := d.lookupEnv(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func readModFile(dir string) (*modfile.File, error) {
	path := filepath.Join(dir, "go.mod")
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read go.mod: %w", err)
	}
	mod, err := modfile.Parse(path, content, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse go.mod: %w", err)
	}
	return mod, nil
}

// requiredVersion returns the canonical version of a required module, or "" if
// absent or not a valid semantic version
func requiredVersion(mod *modfile.File, path string) string {
	for _, req := range mod.Require {
		if req.Mod.Path != path {
			continue
		}
		if !semver.IsValid(req.Mod.Version) {
			return ""
		}
		return semver.Canonical(req.Mod.Version)
	}
	return ""
}

// gitBranch walks up from dir to the nearest .git and reads the checked-out
// branch from HEAD. A detached HEAD yields "".
func gitBranch(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		head := filepath.Join(abs, ".git", "HEAD")
		if f, err := os.Open(head); err == nil {
			defer f.Close()
			scanner := bufio.NewScanner(f)
			if !scanner.Scan() {
				return "", fmt.Errorf("empty %s", head)
			}
			line := strings.TrimSpace(scanner.Text())
			if ref, ok := strings.CutPrefix(line, "ref: "); ok {
				return strings.TrimPrefix(ref, "refs/heads/"), nil
			}
			return "", nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no git directory above %s", dir)
		}
		abs = parent
	}
}
