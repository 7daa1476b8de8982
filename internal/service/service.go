// ABOUTME: Installs the commander as a systemd service
// ABOUTME: Copies the running binary and renders the unit file from an embedded template

package service

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"

	"github.com/google/renameio/v2"

	"github.com/2389/fleet-commander/internal/netaddr"
	"github.com/2389/fleet-commander/internal/provision"
)

const (
	DefaultBinDir  = "/usr/local/bin"
	DefaultUnitDir = "/etc/systemd/system"
	BinaryName     = "openclaw-commander"
)

// ErrNoProjectRoot is returned when openclaw.mjs cannot be found from the
// working directory.
var ErrNoProjectRoot = errors.New("could not locate " + provision.EntryPoint + "; run install from the project root")

//go:embed templates/*.tmpl
var templateFS embed.FS

var unitTemplate = template.Must(template.ParseFS(templateFS, "templates/commander.service.tmpl"))

// Options configures Install. Zero values fall back to the running
// executable, the current directory, $USER and the standard system paths.
type Options struct {
	FleetID    string
	IPv6Prefix string
	BasePort   int
	Count      int
	User       string

	Source     string
	WorkingDir string
	BinDir     string
	UnitDir    string
}

// Unit holds the values substituted into the systemd unit.
type Unit struct {
	FleetID    string
	IPv6Prefix string
	BasePort   int
	Count      int
	User       string
	WorkingDir string
	Binary     string
}

// Result reports where Install wrote its files.
type Result struct {
	BinaryPath string
	UnitPath   string
	UnitName   string
}

// UnitName returns the systemd unit file name for a fleet.
func UnitName(fleetID string) string {
	return fmt.Sprintf("%s-%s.service", BinaryName, fleetID)
}

// Render writes the unit file for u.
func Render(w io.Writer, u Unit) error {
	if u.Count <= 0 {
		u.Count = 1
	}
	return unitTemplate.Execute(w, u)
}

// Install copies the binary into place and writes the unit file. It does not
// reload or enable the unit.
func Install(opts Options) (*Result, error) {
	if opts.FleetID == "" {
		return nil, fmt.Errorf("fleet id is required")
	}
	if opts.IPv6Prefix != "" {
		if _, err := netaddr.ParsePrefix(opts.IPv6Prefix); err != nil {
			return nil, fmt.Errorf("ipv6 prefix: %w", err)
		}
	}

	source := opts.Source
	if source == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating current executable: %w", err)
		}
		source = exe
	}

	root, err := projectRoot(opts.WorkingDir)
	if err != nil {
		return nil, err
	}

	binDir := valueOr(opts.BinDir, DefaultBinDir)
	unitDir := valueOr(opts.UnitDir, DefaultUnitDir)
	user := opts.User
	if user == "" {
		user = valueOr(os.Getenv("USER"), "root")
	}

	res := &Result{
		BinaryPath: filepath.Join(binDir, BinaryName),
		UnitName:   UnitName(opts.FleetID),
	}
	res.UnitPath = filepath.Join(unitDir, res.UnitName)

	if err := copyBinary(source, res.BinaryPath); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := Render(&buf, Unit{
		FleetID:    opts.FleetID,
		IPv6Prefix: opts.IPv6Prefix,
		BasePort:   opts.BasePort,
		Count:      opts.Count,
		User:       user,
		WorkingDir: root,
		Binary:     res.BinaryPath,
	}); err != nil {
		return nil, fmt.Errorf("rendering unit: %w", err)
	}
	if err := renameio.WriteFile(res.UnitPath, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("writing systemd unit (are you running with sudo?): %w", err)
	}

	return res, nil
}

func projectRoot(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting working directory: %w", err)
		}
		dir = wd
	}
	root := provision.ResolveProjectRoot(dir)
	if _, err := os.Stat(filepath.Join(root, provision.EntryPoint)); err != nil {
		return "", ErrNoProjectRoot
	}
	return root, nil
}

// copyBinary replaces dst atomically so a running copy is never truncated.
func copyBinary(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading binary: %w", err)
	}
	if err := renameio.WriteFile(dst, data, 0o755); err != nil {
		return fmt.Errorf("installing binary (are you running with sudo?): %w", err)
	}
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
