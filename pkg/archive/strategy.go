// Package archive creates and extracts archives inside a guest OS by
// driving command-line archivers already installed there. A strategy is
// selected per guest OS family (Windows, Debian) and shells out through the
// guest session; nothing here reads or writes archive bytes itself.
package archive

import (
	"context"
	"errors"
	"strings"

	"github.com/nevskii/guestops/pkg/guest"
)

// Session is the part of the guest surface the strategies need. A full
// guest.Session satisfies it.
type Session interface {
	Identity(ctx context.Context) (string, error)
	StartProcess(ctx context.Context, spec guest.ProcessSpec) (guest.ProcessHandle, error)
	PollExitCode(ctx context.Context, handle guest.ProcessHandle) (*int32, error)
}

// Options carries the optional parameters of an archive or extract call.
type Options struct {
	// Password is handed to the archiver's native password flag where the
	// tool supports one (zip). Tools without password support (tar) ignore
	// it silently.
	Password string
	// Format overrides archive-type detection. When empty the format is
	// derived from the full chained filename suffix of the archive path.
	Format string
}

// Strategy archives and extracts files inside one guest session. Instances
// are bound to the guest identity they were constructed against and do not
// re-validate the environment; a guest that loses its archiver mid-session
// requires a fresh Resolve.
type Strategy interface {
	// Archive puts the given guest paths (wildcards allowed, expanded by
	// the guest shell) into an archive at archivePath, creating or
	// overwriting it.
	Archive(ctx context.Context, paths []string, archivePath string, opts Options) error
	// Extract unpacks the archive at archivePath into extractPath. The
	// destination directory is not created here.
	Extract(ctx context.Context, archivePath, extractPath string, opts Options) error
}

// primitives is the per-OS surface behind the shared format dispatch.
type primitives interface {
	archiveZip(ctx context.Context, paths []string, archivePath, password string) error
	archiveTar(ctx context.Context, paths []string, archivePath string) error
	extractZip(ctx context.Context, archivePath, extractPath, password string) error
	extractTar(ctx context.Context, archivePath, extractPath string) error
}

// formatOf returns the format string used for dispatch: the explicit
// override verbatim, otherwise the full chained suffix of the path's last
// segment (".tar.gz" for "x.tar.gz", not just ".gz").
func formatOf(explicit, path string) string {
	if explicit != "" {
		return explicit
	}
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[i:]
	}
	return ""
}

// dispatchArchive picks the archive primitive for the format. tar.gz is
// recognized but unsupported and must be rejected before the plain tar
// check, since ".tar.gz" also contains "tar".
func dispatchArchive(ctx context.Context, p primitives, paths []string, archivePath string, opts Options) error {
	if len(paths) == 0 {
		return errors.New("no input paths to archive")
	}
	format := formatOf(opts.Format, archivePath)
	switch {
	case strings.Contains(format, "tar.gz"):
		return &UnsupportedFormatError{Format: format, Op: "archive"}
	case strings.Contains(format, "tar"):
		return p.archiveTar(ctx, paths, archivePath)
	case strings.Contains(format, "zip"):
		return p.archiveZip(ctx, paths, archivePath, opts.Password)
	default:
		return &UnsupportedFormatError{Format: format, Op: "archive"}
	}
}

// dispatchExtract mirrors dispatchArchive for extraction, with the same
// tar.gz rejection so both directions classify a ".tar.gz" path the same way.
func dispatchExtract(ctx context.Context, p primitives, archivePath, extractPath string, opts Options) error {
	format := formatOf(opts.Format, archivePath)
	switch {
	case strings.Contains(format, "tar.gz"):
		return &UnsupportedFormatError{Format: format, Op: "extract"}
	case strings.Contains(format, "tar"):
		return p.extractTar(ctx, archivePath, extractPath)
	case strings.Contains(format, "zip"):
		return p.extractZip(ctx, archivePath, extractPath, opts.Password)
	default:
		return &UnsupportedFormatError{Format: format, Op: "extract"}
	}
}

// run starts a guest process and waits for its exit code.
func run(ctx context.Context, session Session, waiter guest.Waiter, spec guest.ProcessSpec) (int32, error) {
	handle, err := session.StartProcess(ctx, spec)
	if err != nil {
		return 0, err
	}
	return waiter.Wait(ctx, session, handle)
}

// checkIdentity verifies the guest identity contains the strategy's OS
// token, returning the identity for reuse.
func checkIdentity(ctx context.Context, session Session, token string) (string, error) {
	id, err := session.Identity(ctx)
	if err != nil {
		return "", err
	}
	if !strings.Contains(id, token) {
		return "", &UnsupportedEnvironmentError{Identity: id, OSFamily: token}
	}
	return id, nil
}
