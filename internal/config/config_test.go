package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		LogDir:  "/home/user/.local/share/dedup/log",
		Workers: 16,
		Store: StoreConfig{
			Type:     "s3",
			S3Bucket: "my-backups",
			S3Prefix: "dedup",
			S3Region: "eu-central-1",
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: "/home/user/.local/share/dedup/data"},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.LogDir != original.LogDir {
		t.Errorf("LogDir = %q, want %q", got.LogDir, original.LogDir)
	}
	if got.Workers != original.Workers {
		t.Errorf("Workers = %d, want %d", got.Workers, original.Workers)
	}
	if got.Store.Type != "s3" {
		t.Errorf("Store.Type = %q, want %q", got.Store.Type, "s3")
	}
	if got.Store.S3Bucket != "my-backups" {
		t.Errorf("Store.S3Bucket = %q, want %q", got.Store.S3Bucket, "my-backups")
	}
	if got.Store.S3Region != "eu-central-1" {
		t.Errorf("Store.S3Region = %q, want %q", got.Store.S3Region, "eu-central-1")
	}
	if got.Database.Type != "sqlite" {
		t.Errorf("Database.Type = %q, want %q", got.Database.Type, "sqlite")
	}
	if got.Database.DataDir != original.Database.DataDir {
		t.Errorf("Database.DataDir = %q, want %q", got.Database.DataDir, original.Database.DataDir)
	}
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig("/base")

	if cfg.LogDir != filepath.Join("/base", "log") {
		t.Errorf("LogDir = %q", cfg.LogDir)
	}
	if cfg.Store.Type != "s3" {
		t.Errorf("Store.Type = %q, want s3", cfg.Store.Type)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("Database.Type = %q, want sqlite", cfg.Database.Type)
	}
	if cfg.Database.DataDir != filepath.Join("/base", "data") {
		t.Errorf("Database.DataDir = %q", cfg.Database.DataDir)
	}
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads a valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dedup.toml")
		content := `
log_dir = "/var/log/dedup"
workers = 4

[store]
type = "filesystem"
fs_store_root = "/mnt/backup"

[database]
type = "sqlite"
data_dir = "/var/lib/dedup"
`
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}

		cfg, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error: %v", err)
		}
		if cfg.Store.Type != "filesystem" || cfg.Store.FSStoreRoot != "/mnt/backup" {
			t.Errorf("Store = %+v", cfg.Store)
		}
		if cfg.Workers != 4 {
			t.Errorf("Workers = %d, want 4", cfg.Workers)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := ReadFromFile(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
			t.Error("ReadFromFile() expected error for missing file")
		}
	})

	t.Run("invalid toml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.toml")
		if err := os.WriteFile(path, []byte("not [ valid"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadFromFile(path); err == nil {
			t.Error("ReadFromFile() expected error for invalid toml")
		}
	})
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "dedup.toml")
	cfg := NewConfig(dir)

	if err := Init(path, cfg); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	got, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile() after Init error: %v", err)
	}
	if got.LogDir != cfg.LogDir {
		t.Errorf("LogDir = %q, want %q", got.LogDir, cfg.LogDir)
	}

	// Init refuses to clobber an existing config.
	if err := Init(path, cfg); err == nil {
		t.Error("Init() expected error for existing file")
	}
}
