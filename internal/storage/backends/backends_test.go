package backends

import (
	"context"
	"testing"

	"github.com/welcomeapp/welcomeapp/internal/logging"
	"github.com/welcomeapp/welcomeapp/internal/storage/local"
	s3backend "github.com/welcomeapp/welcomeapp/internal/storage/s3"
)

func TestNewLocalByDefault(t *testing.T) {
	logging.InitNop()
	b, err := New(context.Background(), Config{Local: local.Config{RootPath: t.TempDir()}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Type() != "local" {
		t.Errorf("Type = %q", b.Type())
	}
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "s3", S3: s3backend.Config{}})
	if err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestNewUnknown(t *testing.T) {
	if _, err := New(context.Background(), Config{Backend: "smb"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
