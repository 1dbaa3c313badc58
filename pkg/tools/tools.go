// Package tools is the user-facing convenience layer over a guest session:
// shell command execution, file transfer and guest-side archive handling in
// one place. Everything here is a thin composition of guest.Session
// primitives; the session owns the actual platform protocol.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/nevskii/guestops/pkg/archive"
	"github.com/nevskii/guestops/pkg/guest"
	"github.com/nevskii/guestops/pkg/log"
)

const windowsShell = `C:\Windows\System32\cmd.exe`

// outputFilePattern locates the redirection target of a command started
// with SaveOutput in its recorded command line.
var outputFilePattern = regexp.MustCompile(`>\s?(\S*\.output)`)

// NotPerformedError reports that a process output was requested for a
// process that either was not started with SaveOutput or has not finished
// writing yet.
type NotPerformedError struct {
	Handle guest.ProcessHandle
}

func (e *NotPerformedError) Error() string {
	return fmt.Sprintf("process %d was not run with SaveOutput, or it's not finished yet", e.Handle)
}

// Tools binds convenience operations to one guest session.
type Tools struct {
	session guest.Session
	waiter  guest.Waiter
	// tmpPath caches the guest temp directory, resolved on first use.
	tmpPath string
}

// New creates a Tools facade over the given session with default process
// polling (1s interval, 60s budget).
func New(session guest.Session) *Tools {
	return &Tools{session: session}
}

// SetWaiter overrides the exit-code polling parameters.
func (t *Tools) SetWaiter(w guest.Waiter) {
	t.waiter = w
}

// Session returns the underlying guest session.
func (t *Tools) Session() guest.Session {
	return t.session
}

// ExecOptions carries the optional parameters of ExecuteCommand.
type ExecOptions struct {
	WorkingDir string
	// Arguments is appended to the command line after the command itself.
	Arguments string
	Env       []string
	// SaveOutput redirects combined stdout/stderr to a file under the
	// guest temp output directory, retrievable later with ProcessOutput.
	SaveOutput bool
}

// ExecuteProcess starts a program in the guest and returns its handle
// without waiting for it.
func (t *Tools) ExecuteProcess(ctx context.Context, spec guest.ProcessSpec) (guest.ProcessHandle, error) {
	return t.session.StartProcess(ctx, spec)
}

// ExitCode blocks until the process exits and returns its exit code.
// Reaching the polling budget is a *guest.TimeoutError.
func (t *Tools) ExitCode(ctx context.Context, handle guest.ProcessHandle) (int32, error) {
	return t.waiter.Wait(ctx, t.session, handle)
}

// ProcessInfo returns the current state of a started process.
func (t *Tools) ProcessInfo(ctx context.Context, handle guest.ProcessHandle) (guest.ProcessInfo, error) {
	return t.session.ProcessInfo(ctx, handle)
}

// ExecuteCommand runs a command through the guest's shell: cmd.exe on a
// Windows guest, /bin/sh everywhere else. The command string is passed to
// the shell as is, so the guest shell performs wildcard and variable
// expansion.
func (t *Tools) ExecuteCommand(ctx context.Context, command string, opts ExecOptions) (guest.ProcessHandle, error) {
	id, err := t.session.Identity(ctx)
	if err != nil {
		return 0, err
	}
	windows := strings.Contains(id, "win")

	full := command
	if opts.Arguments != "" {
		full += " " + opts.Arguments
	}

	if opts.SaveOutput {
		outFile, err := t.prepareOutputFile(ctx, command, windows)
		if err != nil {
			return 0, err
		}
		full += " > " + outFile + " 2>&1"
	}

	spec := guest.ProcessSpec{
		WorkingDir: opts.WorkingDir,
		Env:        opts.Env,
	}
	if windows {
		spec.Path = windowsShell
		spec.Arguments = "cmd /c " + full
	} else {
		spec.Path = "/bin/sh"
		spec.Arguments = "-c " + posixQuote(full)
	}
	return t.session.StartProcess(ctx, spec)
}

// posixQuote wraps s in single quotes for /bin/sh, so quotes inside the
// command survive the wrapping.
func posixQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// prepareOutputFile ensures the guest output directory exists, schedules a
// best-effort cleanup of day-old output files and returns a fresh output
// file path for the command.
func (t *Tools) prepareOutputFile(ctx context.Context, command string, windows bool) (string, error) {
	tmp, err := t.TmpPath(ctx)
	if err != nil {
		return "", err
	}
	outDir := tmp + "/process_output"
	exists, err := t.session.FileExists(ctx, outDir)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := t.session.MakeDirectory(ctx, outDir, true); err != nil {
			return "", err
		}
	}

	// Old output files pile up on long-lived guests; sweep anything older
	// than a day every time new output is saved.
	var cleanup guest.ProcessSpec
	if windows {
		cleanup = guest.ProcessSpec{
			Path:      windowsShell,
			Arguments: fmt.Sprintf(`cmd /c ForFiles /p "%s" /s /d -1 /c "cmd /c del @file"`, outDir),
		}
	} else {
		cleanup = guest.ProcessSpec{
			Path:      "/bin/sh",
			Arguments: fmt.Sprintf(`-c 'find %s/* -name "*.output" -mtime +1 -delete'`, outDir),
		}
	}
	if _, err := t.session.StartProcess(ctx, cleanup); err != nil {
		log.Warnf("Failed to start output cleanup in guest: %v", err)
	}

	name := command
	if i := strings.IndexByte(name, ' '); i >= 0 {
		name = name[:i]
	}
	return fmt.Sprintf("%s/%s_%d.output", outDir, path.Base(name), time.Now().UnixNano()), nil
}

// ProcessOutput returns the combined output of a process started through
// ExecuteCommand with SaveOutput, once it has finished.
func (t *Tools) ProcessOutput(ctx context.Context, handle guest.ProcessHandle) ([]byte, error) {
	info, err := t.session.ProcessInfo(ctx, handle)
	if err != nil {
		return nil, err
	}
	match := outputFilePattern.FindStringSubmatch(info.CmdLine)
	if match == nil {
		return nil, &NotPerformedError{Handle: handle}
	}
	outFile := match[1]
	exists, err := t.session.FileExists(ctx, outFile)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &NotPerformedError{Handle: handle}
	}

	var buf bytes.Buffer
	if _, err := t.session.Download(ctx, &buf, outFile); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TmpPath returns the guest's temp directory: the TMP variable on Windows
// guests, /tmp elsewhere. Resolved once and cached.
func (t *Tools) TmpPath(ctx context.Context) (string, error) {
	if t.tmpPath != "" {
		return t.tmpPath, nil
	}
	id, err := t.session.Identity(ctx)
	if err != nil {
		return "", err
	}
	tmp := "/tmp"
	if strings.Contains(id, "win") {
		tmp, err = t.session.EnvironmentVariable(ctx, "TMP")
		if err != nil {
			return "", err
		}
		tmp = strings.ReplaceAll(tmp, `\`, "/")
	}
	t.tmpPath = tmp
	return tmp, nil
}

// Stat returns the attributes of a single guest file or directory.
func (t *Tools) Stat(ctx context.Context, path string) (guest.FileInfo, error) {
	return t.session.Stat(ctx, path)
}

// Upload writes size bytes from r to remotePath in the guest.
func (t *Tools) Upload(ctx context.Context, r io.Reader, size int64, remotePath string) error {
	return t.session.Upload(ctx, r, size, remotePath)
}

// UploadFile copies a local file to remotePath in the guest, logging
// transfer progress for large files.
func (t *Tools) UploadFile(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat local file %s: %w", localPath, err)
	}
	pr := log.NewProgressReader(f, info.Size(), localPath)
	return t.session.Upload(ctx, pr, info.Size(), remotePath)
}

// Download copies remotePath from the guest into w and returns the number
// of bytes written.
func (t *Tools) Download(ctx context.Context, w io.Writer, remotePath string) (int64, error) {
	return t.session.Download(ctx, w, remotePath)
}

// DownloadFile copies remotePath from the guest to a local file.
func (t *Tools) DownloadFile(ctx context.Context, remotePath, localPath string) (int64, error) {
	f, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file %s: %w", localPath, err)
	}
	defer f.Close()
	return t.session.Download(ctx, f, remotePath)
}

// ArchiveFiles archives the given guest paths into archivePath, resolving
// the OS-appropriate strategy for this call. Strategies are not cached
// across calls.
func (t *Tools) ArchiveFiles(ctx context.Context, paths []string, archivePath string, opts archive.Options) error {
	strategy, err := archive.Resolver{Waiter: t.waiter}.Resolve(ctx, t.session)
	if err != nil {
		return err
	}
	return strategy.Archive(ctx, paths, archivePath, opts)
}

// ArchiveFile is ArchiveFiles for a single input path.
func (t *Tools) ArchiveFile(ctx context.Context, p, archivePath string, opts archive.Options) error {
	return t.ArchiveFiles(ctx, []string{p}, archivePath, opts)
}

// ExtractArchive extracts a guest-side archive into extractPath, resolving
// the OS-appropriate strategy for this call.
func (t *Tools) ExtractArchive(ctx context.Context, archivePath, extractPath string, opts archive.Options) error {
	strategy, err := archive.Resolver{Waiter: t.waiter}.Resolve(ctx, t.session)
	if err != nil {
		return err
	}
	return strategy.Extract(ctx, archivePath, extractPath, opts)
}
