package tools

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nevskii/guestops/pkg/archive"
	"github.com/nevskii/guestops/pkg/guest"
)

// fakeGuest is an in-memory guest.Session: processes finish immediately
// with scripted exit codes, files and directories live in maps.
type fakeGuest struct {
	identity string
	env      map[string]string
	envReads int
	files    map[string][]byte
	dirs     map[string]bool
	started  []guest.ProcessSpec
	exits    []int32
	exitFor  func(spec guest.ProcessSpec) int32
}

func newFakeGuest(identity string) *fakeGuest {
	return &fakeGuest{
		identity: identity,
		env:      map[string]string{},
		files:    map[string][]byte{},
		dirs:     map[string]bool{},
	}
}

func (f *fakeGuest) Identity(ctx context.Context) (string, error) {
	return f.identity, nil
}

func (f *fakeGuest) StartProcess(ctx context.Context, spec guest.ProcessSpec) (guest.ProcessHandle, error) {
	f.started = append(f.started, spec)
	var code int32
	if f.exitFor != nil {
		code = f.exitFor(spec)
	}
	f.exits = append(f.exits, code)
	return guest.ProcessHandle(len(f.started)), nil
}

func (f *fakeGuest) PollExitCode(ctx context.Context, handle guest.ProcessHandle) (*int32, error) {
	code := f.exits[int(handle)-1]
	return &code, nil
}

func (f *fakeGuest) ProcessInfo(ctx context.Context, handle guest.ProcessHandle) (guest.ProcessInfo, error) {
	spec := f.started[int(handle)-1]
	code := f.exits[int(handle)-1]
	return guest.ProcessInfo{
		Pid:      int64(handle),
		Name:     spec.Path,
		CmdLine:  spec.Path + " " + spec.Arguments,
		ExitCode: &code,
	}, nil
}

func (f *fakeGuest) FileExists(ctx context.Context, path string) (bool, error) {
	if _, ok := f.files[path]; ok {
		return true, nil
	}
	return f.dirs[path], nil
}

func (f *fakeGuest) Stat(ctx context.Context, path string) (guest.FileInfo, error) {
	if data, ok := f.files[path]; ok {
		return guest.FileInfo{Path: path, Type: "file", Size: int64(len(data))}, nil
	}
	if f.dirs[path] {
		return guest.FileInfo{Path: path, Type: "directory"}, nil
	}
	return guest.FileInfo{}, guest.ErrFileNotFound
}

func (f *fakeGuest) ListDirectory(ctx context.Context, path string) ([]guest.FileInfo, error) {
	var out []guest.FileInfo
	for p, data := range f.files {
		if strings.HasPrefix(p, path+"/") {
			out = append(out, guest.FileInfo{Path: p, Type: "file", Size: int64(len(data))})
		}
	}
	return out, nil
}

func (f *fakeGuest) MakeDirectory(ctx context.Context, path string, recursive bool) error {
	f.dirs[path] = true
	return nil
}

func (f *fakeGuest) DeleteDirectory(ctx context.Context, path string, recursive bool) error {
	delete(f.dirs, path)
	return nil
}

func (f *fakeGuest) DeleteFile(ctx context.Context, path string) error {
	delete(f.files, path)
	return nil
}

func (f *fakeGuest) CreateTemporaryDirectory(ctx context.Context, prefix, suffix string) (string, error) {
	dir := "/tmp/" + prefix + "123456" + suffix
	f.dirs[dir] = true
	return dir, nil
}

func (f *fakeGuest) EnvironmentVariable(ctx context.Context, name string) (string, error) {
	f.envReads++
	return f.env[name], nil
}

func (f *fakeGuest) Upload(ctx context.Context, r io.Reader, size int64, remotePath string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.files[remotePath] = data
	return nil
}

func (f *fakeGuest) Download(ctx context.Context, w io.Writer, remotePath string) (int64, error) {
	data, ok := f.files[remotePath]
	if !ok {
		return 0, guest.ErrFileNotFound
	}
	n, err := w.Write(data)
	return int64(n), err
}

const (
	winIdentity    = "windows2019srvNext_64Guest"
	debianIdentity = "debian12_64Guest"
)

func TestExecuteCommandWrapsPerGuestShell(t *testing.T) {
	ctx := context.Background()

	t.Run("windows", func(t *testing.T) {
		f := newFakeGuest(winIdentity)
		tl := New(f)
		if _, err := tl.ExecuteCommand(ctx, "ipconfig", ExecOptions{Arguments: "/all"}); err != nil {
			t.Fatalf("ExecuteCommand failed: %v", err)
		}
		spec := f.started[0]
		if spec.Path != windowsShell {
			t.Errorf("program = %q, want %q", spec.Path, windowsShell)
		}
		if spec.Arguments != "cmd /c ipconfig /all" {
			t.Errorf("arguments = %q, want %q", spec.Arguments, "cmd /c ipconfig /all")
		}
	})

	t.Run("linux", func(t *testing.T) {
		f := newFakeGuest(debianIdentity)
		tl := New(f)
		if _, err := tl.ExecuteCommand(ctx, "ls -la /etc", ExecOptions{WorkingDir: "/root"}); err != nil {
			t.Fatalf("ExecuteCommand failed: %v", err)
		}
		spec := f.started[0]
		if spec.Path != "/bin/sh" {
			t.Errorf("program = %q, want /bin/sh", spec.Path)
		}
		if spec.Arguments != "-c 'ls -la /etc'" {
			t.Errorf("arguments = %q, want %q", spec.Arguments, "-c 'ls -la /etc'")
		}
		if spec.WorkingDir != "/root" {
			t.Errorf("working dir = %q, want /root", spec.WorkingDir)
		}
	})
}

func TestExecuteCommandEscapesQuotes(t *testing.T) {
	f := newFakeGuest(debianIdentity)
	tl := New(f)

	if _, err := tl.ExecuteCommand(context.Background(), `echo 'hello world'`, ExecOptions{}); err != nil {
		t.Fatalf("ExecuteCommand failed: %v", err)
	}
	want := `-c 'echo '\''hello world'\'''`
	if got := f.started[0].Arguments; got != want {
		t.Errorf("arguments = %q, want %q", got, want)
	}
}

func TestExecuteCommandSaveOutput(t *testing.T) {
	ctx := context.Background()
	f := newFakeGuest(debianIdentity)
	tl := New(f)

	handle, err := tl.ExecuteCommand(ctx, "dmesg", ExecOptions{SaveOutput: true})
	if err != nil {
		t.Fatalf("ExecuteCommand failed: %v", err)
	}
	if !f.dirs["/tmp/process_output"] {
		t.Error("output directory was not created in the guest")
	}
	// Two processes: the day-old output sweep, then the command itself.
	if len(f.started) != 2 {
		t.Fatalf("started %d processes, want 2 (cleanup + command)", len(f.started))
	}
	if !strings.Contains(f.started[0].Arguments, "-mtime +1 -delete") {
		t.Errorf("first process %q is not the cleanup sweep", f.started[0].Arguments)
	}
	main := f.started[1]
	if !strings.Contains(main.Arguments, "> /tmp/process_output/dmesg_") ||
		!strings.Contains(main.Arguments, "2>&1") {
		t.Errorf("command %q does not redirect output", main.Arguments)
	}

	// Simulate the guest having written the output file, then read it back.
	match := outputFilePattern.FindStringSubmatch(main.Arguments)
	if match == nil {
		t.Fatalf("no output file in command %q", main.Arguments)
	}
	f.files[match[1]] = []byte("kernel says hi\n")

	out, err := tl.ProcessOutput(ctx, handle)
	if err != nil {
		t.Fatalf("ProcessOutput failed: %v", err)
	}
	if string(out) != "kernel says hi\n" {
		t.Errorf("output = %q, want the file contents", out)
	}
}

func TestProcessOutputWithoutSaveOutput(t *testing.T) {
	ctx := context.Background()
	f := newFakeGuest(debianIdentity)
	tl := New(f)

	handle, err := tl.ExecuteCommand(ctx, "true", ExecOptions{})
	if err != nil {
		t.Fatalf("ExecuteCommand failed: %v", err)
	}
	_, err = tl.ProcessOutput(ctx, handle)
	var notPerformed *NotPerformedError
	if !errors.As(err, &notPerformed) {
		t.Fatalf("ProcessOutput returned %v, want NotPerformedError", err)
	}
}

func TestTmpPath(t *testing.T) {
	ctx := context.Background()

	t.Run("linux", func(t *testing.T) {
		tl := New(newFakeGuest(debianIdentity))
		tmp, err := tl.TmpPath(ctx)
		if err != nil {
			t.Fatalf("TmpPath failed: %v", err)
		}
		if tmp != "/tmp" {
			t.Errorf("tmp path = %q, want /tmp", tmp)
		}
	})

	t.Run("windows resolves TMP once", func(t *testing.T) {
		f := newFakeGuest(winIdentity)
		f.env["TMP"] = `C:\Users\admin\Temp`
		tl := New(f)

		tmp, err := tl.TmpPath(ctx)
		if err != nil {
			t.Fatalf("TmpPath failed: %v", err)
		}
		if tmp != "C:/Users/admin/Temp" {
			t.Errorf("tmp path = %q, want forward-slash TMP value", tmp)
		}
		if _, err := tl.TmpPath(ctx); err != nil {
			t.Fatalf("TmpPath failed: %v", err)
		}
		if f.envReads != 1 {
			t.Errorf("TMP was read %d times, want 1 (cached)", f.envReads)
		}
	})
}

func TestExitCode(t *testing.T) {
	f := newFakeGuest(debianIdentity)
	f.exitFor = func(guest.ProcessSpec) int32 { return 5 }
	tl := New(f)

	handle, err := tl.ExecuteProcess(context.Background(), guest.ProcessSpec{Path: "/bin/false"})
	if err != nil {
		t.Fatalf("ExecuteProcess failed: %v", err)
	}
	code, err := tl.ExitCode(context.Background(), handle)
	if err != nil {
		t.Fatalf("ExitCode failed: %v", err)
	}
	if code != 5 {
		t.Errorf("exit code = %d, want 5", code)
	}
}

func TestUploadDownloadFile(t *testing.T) {
	ctx := context.Background()
	f := newFakeGuest(debianIdentity)
	tl := New(f)

	local := filepath.Join(t.TempDir(), "payload.bin")
	content := bytes.Repeat([]byte("data"), 1024)
	if err := os.WriteFile(local, content, 0644); err != nil {
		t.Fatalf("writing fixture failed: %v", err)
	}

	if err := tl.UploadFile(ctx, local, "/opt/payload.bin"); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if !bytes.Equal(f.files["/opt/payload.bin"], content) {
		t.Error("uploaded guest file does not match the local content")
	}

	back := filepath.Join(t.TempDir(), "back.bin")
	n, err := tl.DownloadFile(ctx, "/opt/payload.bin", back)
	if err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("downloaded %d bytes, want %d", n, len(content))
	}
	got, err := os.ReadFile(back)
	if err != nil {
		t.Fatalf("reading downloaded file failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("downloaded file does not match the uploaded content")
	}
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	f := newFakeGuest(debianIdentity)
	f.files["/opt/data.bin"] = []byte("12345678")
	tl := New(f)

	fi, err := tl.Stat(ctx, "/opt/data.bin")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if fi.Type != "file" || fi.Size != 8 {
		t.Errorf("unexpected file info: %+v", fi)
	}

	_, err = tl.Stat(ctx, "/opt/missing")
	if !errors.Is(err, guest.ErrFileNotFound) {
		t.Errorf("Stat of missing path returned %v, want ErrFileNotFound", err)
	}
}

func TestArchiveFacade(t *testing.T) {
	ctx := context.Background()

	t.Run("archive resolves and delegates", func(t *testing.T) {
		f := newFakeGuest(debianIdentity)
		tl := New(f)

		if err := tl.ArchiveFile(ctx, "/home/d/1.txt", "/home/d/1.zip", archive.Options{}); err != nil {
			t.Fatalf("ArchiveFile failed: %v", err)
		}
		last := f.started[len(f.started)-1]
		if last.Path != "/usr/bin/zip" || !strings.Contains(last.Arguments, "-ur /home/d/1.zip 1.txt") {
			t.Errorf("last process = %+v, want a zip update run", last)
		}
	})

	t.Run("tar.gz never reaches an archiver", func(t *testing.T) {
		f := newFakeGuest(debianIdentity)
		tl := New(f)

		err := tl.ArchiveFile(ctx, "/home/d/1.txt", "/home/d/1.tar.gz", archive.Options{})
		var formatErr *archive.UnsupportedFormatError
		if !errors.As(err, &formatErr) {
			t.Fatalf("ArchiveFile returned %v, want UnsupportedFormatError", err)
		}
		for _, spec := range f.started {
			if strings.Contains(spec.Arguments, "1.tar.gz") {
				t.Errorf("an archiver process was started for a tar.gz target: %+v", spec)
			}
		}
	})

	t.Run("extract resolves and delegates", func(t *testing.T) {
		f := newFakeGuest(debianIdentity)
		tl := New(f)

		if err := tl.ExtractArchive(ctx, "/home/d/1.zip", "/home/d/out", archive.Options{}); err != nil {
			t.Fatalf("ExtractArchive failed: %v", err)
		}
		last := f.started[len(f.started)-1]
		if last.Path != "/usr/bin/unzip" {
			t.Errorf("last process program = %q, want /usr/bin/unzip", last.Path)
		}
	})
}
