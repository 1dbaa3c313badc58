package sshguest

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nevskii/guestops/pkg/guest"
	"github.com/nevskii/guestops/pkg/log"
)

// rcDir holds one exit-status file per process started through the
// session. An absent file means the process is still running.
const rcDir = "/tmp/.guestops"

// Session is a guest.Session for a Linux guest reached over SSH.
type Session struct {
	client *ssh.Client
	// runner executes one shell command; sshRunStatus in production.
	runner func(ctx context.Context, command string) (string, int, error)

	mu    sync.Mutex
	procs map[guest.ProcessHandle]*procState

	identity string
}

type procState struct {
	cmdLine  string
	rcFile   string
	exitCode *int32
	endTime  *time.Time
}

var _ guest.Session = (*Session)(nil)

func newSession(client *ssh.Client) *Session {
	s := &Session{
		client: client,
		procs:  make(map[guest.ProcessHandle]*procState),
	}
	s.runner = s.sshRunStatus
	return s
}

// Identity returns the guest OS identifier built from /etc/os-release,
// e.g. "debian12" or "ubuntu24.04".
func (s *Session) Identity(ctx context.Context) (string, error) {
	if s.identity != "" {
		return s.identity, nil
	}
	out, status, err := s.runStatus(ctx, `. /etc/os-release 2>/dev/null && printf '%s%s' "$ID" "$VERSION_ID"`)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if status != 0 || id == "" {
		id = "linux"
	}
	s.identity = id
	return id, nil
}

// StartProcess launches a program in the guest without waiting for it.
// The process runs detached under nohup and records its exit status in a
// file under rcDir, which PollExitCode reads back.
func (s *Session) StartProcess(ctx context.Context, spec guest.ProcessSpec) (guest.ProcessHandle, error) {
	// The detached outer shell always starts, so a missing program would
	// only surface as exit 127 in the rc file. Check up front instead and
	// report it the way the other backends do.
	_, status, err := s.runStatus(ctx, "command -v "+shellQuote(spec.Path))
	if err != nil {
		return 0, err
	}
	if status != 0 {
		return 0, fmt.Errorf("program %s: %w", spec.Path, guest.ErrFileNotFound)
	}

	full := spec.Path
	if spec.Arguments != "" {
		full += " " + spec.Arguments
	}

	var prefix strings.Builder
	for _, kv := range spec.Env {
		prefix.WriteString("export " + shellQuote(kv) + "; ")
	}
	if spec.WorkingDir != "" {
		prefix.WriteString("cd " + shellQuote(spec.WorkingDir) + " && ")
	}

	rcFile := fmt.Sprintf("%s/%d.rc", rcDir, time.Now().UnixNano())
	inner := fmt.Sprintf("%s%s; echo $? > %s", prefix.String(), full, rcFile)
	cmd := fmt.Sprintf("mkdir -p %s && { nohup sh -c %s >/dev/null 2>&1 & echo $!; }", rcDir, shellQuote(inner))

	out, err := s.run(ctx, cmd)
	if err != nil {
		return 0, fmt.Errorf("failed to start %s in guest: %w", spec.Path, err)
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected pid output %q from guest: %w", strings.TrimSpace(out), err)
	}

	handle := guest.ProcessHandle(pid)
	s.mu.Lock()
	s.procs[handle] = &procState{cmdLine: full, rcFile: rcFile}
	s.mu.Unlock()
	log.Debugf("Started guest process %d: %s", pid, full)
	return handle, nil
}

// PollExitCode returns the exit code of the process if it has finished,
// nil if it is still running.
func (s *Session) PollExitCode(ctx context.Context, handle guest.ProcessHandle) (*int32, error) {
	state, err := s.proc(handle)
	if err != nil {
		return nil, err
	}
	if state.exitCode != nil {
		return state.exitCode, nil
	}

	out, _, err := s.runStatus(ctx, fmt.Sprintf("cat %s 2>/dev/null", state.rcFile))
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(out)
	if text == "" {
		return nil, nil
	}
	code64, err := strconv.ParseInt(text, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("unexpected exit status %q for process %d: %w", text, handle, err)
	}
	code := int32(code64)
	now := time.Now()

	s.mu.Lock()
	state.exitCode = &code
	state.endTime = &now
	s.mu.Unlock()
	return &code, nil
}

// ProcessInfo returns the recorded state of a started process.
func (s *Session) ProcessInfo(ctx context.Context, handle guest.ProcessHandle) (guest.ProcessInfo, error) {
	state, err := s.proc(handle)
	if err != nil {
		return guest.ProcessInfo{}, err
	}
	if state.exitCode == nil {
		// Refresh before reporting, the process may have just finished.
		if _, err := s.PollExitCode(ctx, handle); err != nil {
			return guest.ProcessInfo{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return guest.ProcessInfo{
		Pid:      int64(handle),
		Name:     state.cmdLine,
		CmdLine:  state.cmdLine,
		ExitCode: state.exitCode,
		EndTime:  state.endTime,
	}, nil
}

func (s *Session) proc(handle guest.ProcessHandle) (*procState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.procs[handle]
	if !ok {
		return nil, fmt.Errorf("unknown process handle %d", handle)
	}
	return state, nil
}

// FileExists reports whether a file or directory exists in the guest.
func (s *Session) FileExists(ctx context.Context, path string) (bool, error) {
	_, status, err := s.runStatus(ctx, "test -e "+shellQuote(path))
	if err != nil {
		return false, err
	}
	return status == 0, nil
}

// Stat returns the attributes of a single guest file or directory.
func (s *Session) Stat(ctx context.Context, path string) (guest.FileInfo, error) {
	out, status, err := s.runStatus(ctx, fmt.Sprintf(`find %s -maxdepth 0 -printf '%%y %%s %%p\n'`, shellQuote(path)))
	if err != nil {
		return guest.FileInfo{}, err
	}
	if status != 0 {
		return guest.FileInfo{}, fmt.Errorf("path %s: %w", path, guest.ErrFileNotFound)
	}
	return parseFindLine(strings.TrimSpace(out))
}

// ListDirectory lists the direct children of a guest directory.
func (s *Session) ListDirectory(ctx context.Context, path string) ([]guest.FileInfo, error) {
	exists, err := s.FileExists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("directory %s: %w", path, guest.ErrFileNotFound)
	}

	out, err := s.run(ctx, fmt.Sprintf(`find %s -mindepth 1 -maxdepth 1 -printf '%%y %%s %%p\n'`, shellQuote(path)))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s in guest: %w", path, err)
	}

	var files []guest.FileInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fi, err := parseFindLine(line)
		if err != nil {
			return nil, err
		}
		files = append(files, fi)
	}
	return files, nil
}

// parseFindLine parses one "type size path" line of find -printf output.
func parseFindLine(line string) (guest.FileInfo, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return guest.FileInfo{}, fmt.Errorf("unexpected directory listing line %q", line)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return guest.FileInfo{}, fmt.Errorf("unexpected size in listing line %q: %w", line, err)
	}
	var typ string
	switch parts[0] {
	case "d":
		typ = "directory"
	case "l":
		typ = "symlink"
	default:
		typ = "file"
	}
	return guest.FileInfo{Path: parts[2], Type: typ, Size: size}, nil
}

// MakeDirectory creates a directory in the guest.
func (s *Session) MakeDirectory(ctx context.Context, path string, recursive bool) error {
	cmd := "mkdir "
	if recursive {
		cmd += "-p "
	}
	if _, err := s.run(ctx, cmd+shellQuote(path)); err != nil {
		return fmt.Errorf("failed to create guest directory %s: %w", path, err)
	}
	return nil
}

// DeleteDirectory removes a guest directory.
func (s *Session) DeleteDirectory(ctx context.Context, path string, recursive bool) error {
	exists, err := s.FileExists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("directory %s: %w", path, guest.ErrFileNotFound)
	}
	cmd := "rmdir "
	if recursive {
		cmd = "rm -rf "
	}
	if _, err := s.run(ctx, cmd+shellQuote(path)); err != nil {
		return fmt.Errorf("failed to delete guest directory %s: %w", path, err)
	}
	return nil
}

// DeleteFile removes a guest file.
func (s *Session) DeleteFile(ctx context.Context, path string) error {
	exists, err := s.FileExists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("file %s: %w", path, guest.ErrFileNotFound)
	}
	if _, err := s.run(ctx, "rm "+shellQuote(path)); err != nil {
		return fmt.Errorf("failed to delete guest file %s: %w", path, err)
	}
	return nil
}

// CreateTemporaryDirectory creates a fresh directory under /tmp and
// returns its path.
func (s *Session) CreateTemporaryDirectory(ctx context.Context, prefix, suffix string) (string, error) {
	cmd := "mktemp -d"
	if suffix != "" {
		cmd += " --suffix=" + shellQuote(suffix)
	}
	cmd += " " + shellQuote("/tmp/"+prefix+"XXXXXXXXXX")
	out, err := s.run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("failed to create guest temp directory: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// EnvironmentVariable reads one variable from the guest environment.
// Missing variables return an empty value.
func (s *Session) EnvironmentVariable(ctx context.Context, name string) (string, error) {
	out, err := s.run(ctx, fmt.Sprintf(`printf '%%s' "$%s"`, name))
	if err != nil {
		return "", fmt.Errorf("failed to read guest environment variable %s: %w", name, err)
	}
	return out, nil
}

// Upload writes size bytes from r to remotePath in the guest, replacing
// any existing file.
func (s *Session) Upload(ctx context.Context, r io.Reader, size int64, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	if err := sess.Start("cat > " + shellQuote(remotePath)); err != nil {
		return fmt.Errorf("failed to start upload of %s: %w", remotePath, err)
	}
	if _, err := io.Copy(stdin, r); err != nil {
		stdin.Close()
		return fmt.Errorf("failed to write %s to guest: %w", remotePath, err)
	}
	stdin.Close()
	if err := sess.Wait(); err != nil {
		return fmt.Errorf("failed to upload %s to guest: %w", remotePath, err)
	}
	log.Debugf("Uploaded %s to guest (%s)", remotePath, log.FormatSize(size))
	return nil
}

// Download copies remotePath from the guest into w and returns the number
// of bytes written.
func (s *Session) Download(ctx context.Context, w io.Writer, remotePath string) (int64, error) {
	exists, err := s.FileExists(ctx, remotePath)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("file %s: %w", remotePath, guest.ErrFileNotFound)
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := sess.Start("cat " + shellQuote(remotePath)); err != nil {
		return 0, fmt.Errorf("failed to start download of %s: %w", remotePath, err)
	}
	n, err := io.Copy(w, stdout)
	if err != nil {
		return n, fmt.Errorf("failed to read guest file %s: %w", remotePath, err)
	}
	if err := sess.Wait(); err != nil {
		return n, fmt.Errorf("failed to download %s from guest: %w", remotePath, err)
	}
	return n, nil
}
