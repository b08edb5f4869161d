package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/welcomeapp/welcomeapp/internal/logging"
	"github.com/welcomeapp/welcomeapp/internal/storage"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func newBackend(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := New(Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestPutGetRoundTrip(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("x"), 1<<20)

	if err := b.PutObject(ctx, "a.png", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	rc, size, err := b.GetObject(ctx, "a.png")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer rc.Close()
	if size != int64(len(data)) {
		t.Errorf("size = %d, want %d", size, len(data))
	}
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, data) {
		t.Error("content mismatch")
	}
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	if err := b.PutObject(ctx, "a.png", strings.NewReader("abc"), 3); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	// Short write: size mismatch must not publish the name.
	if err := b.PutObject(ctx, "b.png", strings.NewReader("ab"), 3); err == nil {
		t.Fatal("expected size mismatch error")
	}

	entries, err := os.ReadDir(b.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "a.png" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("unexpected directory contents: %v", names)
	}
}

func TestGetMissing(t *testing.T) {
	b := newBackend(t)
	_, _, err := b.GetObject(context.Background(), "nope.png")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	b := newBackend(t)
	if err := b.DeleteObject(context.Background(), "nope.png"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
}

func TestDeleteAndExists(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	if err := b.PutObject(ctx, "a.png", strings.NewReader("abc"), -1); err != nil {
		t.Fatal(err)
	}
	ok, err := b.ObjectExists(ctx, "a.png")
	if err != nil || !ok {
		t.Fatalf("ObjectExists = %v, %v", ok, err)
	}
	if err := b.DeleteObject(ctx, "a.png"); err != nil {
		t.Fatal(err)
	}
	ok, err = b.ObjectExists(ctx, "a.png")
	if err != nil || ok {
		t.Fatalf("ObjectExists after delete = %v, %v", ok, err)
	}
}

func TestInvalidKeys(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	for _, key := range []string{"", ".", "..", "../etc/passwd", "a/b.png", `a\b.png`, ".hidden"} {
		if err := b.PutObject(ctx, key, strings.NewReader("x"), 1); err == nil {
			t.Errorf("PutObject(%q) should fail", key)
		}
		if _, _, err := b.GetObject(ctx, key); err == nil {
			t.Errorf("GetObject(%q) should fail", key)
		}
	}
}

func TestListSkipsDotfilesAndDirs(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	if err := b.PutObject(ctx, "a.png", strings.NewReader("abc"), 3); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(b.Root(), ".welcomeapp-123.tmp"), []byte("partial"), 0644)
	os.Mkdir(filepath.Join(b.Root(), "sub"), 0755)

	objects, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objects) != 1 || objects[0].Key != "a.png" || objects[0].Size != 3 {
		t.Errorf("List = %+v", objects)
	}
}

func TestNewCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "images")
	b, err := New(Config{RootPath: root, CreateDirs: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Root() != root {
		t.Errorf("Root = %s", b.Root())
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Errorf("root not created: %v", err)
	}
}

func TestNewUsesFallback(t *testing.T) {
	dir := t.TempDir()
	// A regular file where the shared mount should be.
	blocked := filepath.Join(dir, "mnt")
	if err := os.WriteFile(blocked, nil, 0644); err != nil {
		t.Fatal(err)
	}
	fallback := filepath.Join(dir, "uploads")

	b, err := New(Config{RootPath: blocked, FallbackPath: fallback, CreateDirs: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Root() != fallback {
		t.Errorf("Root = %s, want %s", b.Root(), fallback)
	}
}

func TestNewWithoutFallbackFails(t *testing.T) {
	_, err := New(Config{RootPath: filepath.Join(t.TempDir(), "missing")})
	if err == nil {
		t.Fatal("expected error for missing root without CreateDirs")
	}
}
