package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"safe-code-runner/internal/runtime"
)

func TestAcquireAndRelease(t *testing.T) {
	base := t.TempDir()
	ws, err := AcquireWorkspace(base, "abc", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(filepath.Base(ws.Root), "exec-abc-") {
		t.Errorf("Root = %s", ws.Root)
	}
	info, err := os.Stat(ws.Root)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("mode = %v, want 0700", info.Mode().Perm())
	}

	if _, err := ws.WriteFile("main.py", []byte("print(1)")); err != nil {
		t.Fatal(err)
	}
	if err := ws.Release(); err != nil {
		t.Fatal(err)
	}
	if err := ws.Release(); err != nil {
		t.Errorf("second Release() = %v", err)
	}
	if _, err := os.Stat(ws.Root); !os.IsNotExist(err) {
		t.Errorf("workspace still exists: %v", err)
	}
}

func TestWorkspacesAreDistinct(t *testing.T) {
	base := t.TempDir()
	a, err := AcquireWorkspace(base, "same", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()
	b, err := AcquireWorkspace(base, "same", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Release()
	if a.Root == b.Root {
		t.Fatal("two workspaces share a root")
	}
}

func TestReleaseUnwritableTree(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	ws, err := AcquireWorkspace(t.TempDir(), "perm", nil)
	if err != nil {
		t.Fatal(err)
	}
	locked := filepath.Join(ws.Root, "locked")
	if err := os.MkdirAll(filepath.Join(locked, "inner"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(locked, "inner", "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(locked, 0o500); err != nil {
		t.Fatal(err)
	}

	if err := ws.Release(); err != nil {
		t.Fatalf("Release() = %v", err)
	}
	if _, err := os.Stat(ws.Root); !os.IsNotExist(err) {
		t.Error("workspace survived")
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	ws, err := AcquireWorkspace(t.TempDir(), "trav", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Release()

	for _, name := range []string{"", ".", "..", "../x", "a/b", "/etc/passwd"} {
		if _, err := ws.Path(name); !errors.Is(err, ErrInvalidSubmission) {
			t.Errorf("Path(%q) error = %v, want ErrInvalidSubmission", name, err)
		}
	}
}

func TestWriteSource(t *testing.T) {
	ws, err := AcquireWorkspace(t.TempDir(), "src", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Release()

	java := runtime.Profile{ID: "java", FileExtension: ".java", ClassNamed: true}
	paths, err := ws.WriteSource(java, "public class Hello { }", "/workspace")
	if err != nil {
		t.Fatal(err)
	}
	if paths.Source != "/workspace/Hello.java" || paths.Class != "Hello" {
		t.Errorf("paths = %+v", paths)
	}
	if _, err := os.Stat(filepath.Join(ws.Root, "Hello.java")); err != nil {
		t.Errorf("source not written: %v", err)
	}

	cpp := runtime.Profile{ID: "cpp", FileExtension: ".cpp", SourceName: "main", BinaryName: "main"}
	paths, err = ws.WriteSource(cpp, "int main(){}", ws.Root)
	if err != nil {
		t.Fatal(err)
	}
	if paths.Binary != filepath.Join(ws.Root, "main") {
		t.Errorf("Binary = %s", paths.Binary)
	}
}

func TestSweepWorkspaces(t *testing.T) {
	base := t.TempDir()
	for _, id := range []string{"a", "b"} {
		if _, err := AcquireWorkspace(base, id, nil); err != nil {
			t.Fatal(err)
		}
	}
	keep := filepath.Join(base, "unrelated")
	if err := os.Mkdir(keep, 0o755); err != nil {
		t.Fatal(err)
	}

	n, err := SweepWorkspaces(base)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("sweep removed an unrelated directory")
	}

	if n, err := SweepWorkspaces(filepath.Join(base, "missing")); err != nil || n != 0 {
		t.Errorf("missing root: %d, %v", n, err)
	}
}
