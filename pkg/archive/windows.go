package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/nevskii/guestops/pkg/guest"
)

const (
	windowsToken = "win"
	windowsShell = `C:\Windows\System32\cmd.exe`
)

// windowsToolCandidates are probed in order; the first that runs with exit
// code 0 becomes the archiver for the lifetime of the strategy.
var windowsToolCandidates = []string{"7za", "7z", "7zg"}

// WindowsStrategy archives and extracts with 7-Zip through cmd.exe. All
// input paths of one call are handed to a single guest process; the guest
// shell expands wildcards.
type WindowsStrategy struct {
	session Session
	waiter  guest.Waiter
	// exeName is the 7-Zip flavour found during construction. Never
	// re-probed.
	exeName string
}

// NewWindowsStrategy validates the guest identity against the Windows
// family and locates a 7-Zip executable, failing fast if either check does
// not pass.
func NewWindowsStrategy(ctx context.Context, session Session) (*WindowsStrategy, error) {
	return newWindowsStrategy(ctx, session, guest.Waiter{})
}

func newWindowsStrategy(ctx context.Context, session Session, waiter guest.Waiter) (*WindowsStrategy, error) {
	if _, err := checkIdentity(ctx, session, windowsToken); err != nil {
		return nil, err
	}
	s := &WindowsStrategy{session: session, waiter: waiter}
	if err := s.locateTool(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// locateTool probes the known 7-Zip executable names through the guest
// shell. 7-Zip exits 0 when invoked bare, so a zero exit means the tool is
// on the guest PATH.
func (s *WindowsStrategy) locateTool(ctx context.Context) error {
	for _, exe := range windowsToolCandidates {
		code, err := run(ctx, s.session, s.waiter, guest.ProcessSpec{
			Path:      windowsShell,
			Arguments: "cmd /c " + exe,
		})
		if err != nil {
			return err
		}
		if code == 0 {
			s.exeName = exe
			return nil
		}
	}
	return &EnvironmentNotReadyError{Tool: "7zip"}
}

func (s *WindowsStrategy) Archive(ctx context.Context, paths []string, archivePath string, opts Options) error {
	return dispatchArchive(ctx, s, paths, archivePath, opts)
}

func (s *WindowsStrategy) Extract(ctx context.Context, archivePath, extractPath string, opts Options) error {
	return dispatchExtract(ctx, s, archivePath, extractPath, opts)
}

func (s *WindowsStrategy) archiveZip(ctx context.Context, paths []string, archivePath, password string) error {
	return s.archiveWith(ctx, "zip", paths, archivePath, password)
}

func (s *WindowsStrategy) archiveTar(ctx context.Context, paths []string, archivePath string) error {
	return s.archiveWith(ctx, "tar", paths, archivePath, "")
}

// archiveWith runs one batched 7-Zip add for the whole input set.
func (s *WindowsStrategy) archiveWith(ctx context.Context, format string, paths []string, archivePath, password string) error {
	pathArg := strings.Join(paths, " ")
	cmd := fmt.Sprintf("cmd /c %s a -y -t%s %s %s", s.exeName, format, archivePath, pathArg)
	if password != "" {
		cmd += " -p" + password
	}
	code, err := run(ctx, s.session, s.waiter, guest.ProcessSpec{
		Path:      windowsShell,
		Arguments: cmd,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return &ArchivingError{Paths: paths, Archive: archivePath, ExitCode: code}
	}
	return nil
}

func (s *WindowsStrategy) extractZip(ctx context.Context, archivePath, extractPath, password string) error {
	extractPath = defaultExtractPath(archivePath, extractPath)
	cmd := fmt.Sprintf("cmd /c %s x %s -y -o%s", s.exeName, archivePath, extractPath)
	if password != "" {
		cmd += " -p" + password
	}
	return s.runExtract(ctx, cmd, archivePath, extractPath)
}

func (s *WindowsStrategy) extractTar(ctx context.Context, archivePath, extractPath string) error {
	extractPath = defaultExtractPath(archivePath, extractPath)
	cmd := fmt.Sprintf("cmd /c %s x %s -y -ttar -o%s", s.exeName, archivePath, extractPath)
	return s.runExtract(ctx, cmd, archivePath, extractPath)
}

func (s *WindowsStrategy) runExtract(ctx context.Context, cmd, archivePath, extractPath string) error {
	code, err := run(ctx, s.session, s.waiter, guest.ProcessSpec{
		Path:      windowsShell,
		Arguments: cmd,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return &ExtractionError{Archive: archivePath, Dest: extractPath, ExitCode: code}
	}
	return nil
}

// defaultExtractPath falls back to the archive's parent directory when no
// destination was given. Handles both path separators since the archive
// path is a guest-side path in either convention.
func defaultExtractPath(archivePath, extractPath string) string {
	if extractPath != "" {
		return extractPath
	}
	if i := strings.LastIndexAny(archivePath, `/\`); i > 0 {
		return archivePath[:i]
	}
	return archivePath
}
