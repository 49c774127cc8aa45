package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewLocalStorage(t *testing.T) {
	t.Run("creates directory if not exists", func(t *testing.T) {
		tempDir := filepath.Join(os.TempDir(), "speedcut_test_"+randomSuffix())
		defer func() { _ = os.RemoveAll(tempDir) }()

		storage, err := NewLocalStorage(tempDir)
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		if storage.TempDir() != tempDir {
			t.Errorf("TempDir() = %v, want %v", storage.TempDir(), tempDir)
		}

		info, err := os.Stat(tempDir)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected directory, got file")
		}
	})

	t.Run("uses default directory when empty", func(t *testing.T) {
		storage, err := NewLocalStorage("")
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		expected := filepath.Join(os.TempDir(), "speedcut")
		if storage.TempDir() != expected {
			t.Errorf("TempDir() = %v, want %v", storage.TempDir(), expected)
		}
	})
}

func TestLocalStorage_SaveTemp(t *testing.T) {
	storage := setupTestStorage(t)

	t.Run("saves data to temp file", func(t *testing.T) {
		ctx := context.Background()
		data := bytes.NewReader([]byte("test data"))

		path, err := storage.SaveTemp(ctx, "test", data)
		if err != nil {
			t.Fatalf("SaveTemp() error = %v", err)
		}
		defer func() { _ = os.Remove(path) }()

		if !strings.Contains(path, "test_") {
			t.Errorf("path %s should contain 'test_'", path)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read saved file: %v", err)
		}
		if string(content) != "test data" {
			t.Errorf("got %q, want %q", string(content), "test data")
		}
	})

	t.Run("names the file after the detected type", func(t *testing.T) {
		mp4 := append([]byte{0x00, 0x00, 0x00, 0x18}, []byte("ftypisom\x00\x00\x02\x00isomiso2")...)
		path, err := storage.SaveTemp(context.Background(), "input", bytes.NewReader(mp4))
		if err != nil {
			t.Fatalf("SaveTemp() error = %v", err)
		}
		defer func() { _ = os.Remove(path) }()

		if filepath.Ext(path) != ".mp4" {
			t.Errorf("expected .mp4 extension, got %s", path)
		}
		content, _ := os.ReadFile(path)
		if !bytes.Equal(content, mp4) {
			t.Error("saved content differs from input")
		}
	})

	t.Run("keeps data longer than the sniffed prefix", func(t *testing.T) {
		data := bytes.Repeat([]byte("0123456789"), 1000)
		path, err := storage.SaveTemp(context.Background(), "big", bytes.NewReader(data))
		if err != nil {
			t.Fatalf("SaveTemp() error = %v", err)
		}
		defer func() { _ = os.Remove(path) }()

		content, _ := os.ReadFile(path)
		if !bytes.Equal(content, data) {
			t.Errorf("saved %d bytes, want %d", len(content), len(data))
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := storage.SaveTemp(ctx, "test", bytes.NewReader([]byte("data")))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestLocalStorage_LoadTemp(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	t.Run("loads saved file", func(t *testing.T) {
		path, err := storage.SaveTemp(ctx, "load_test", bytes.NewReader([]byte("load data")))
		if err != nil {
			t.Fatalf("SaveTemp() error = %v", err)
		}
		defer func() { _ = os.Remove(path) }()

		reader, err := storage.LoadTemp(ctx, path)
		if err != nil {
			t.Fatalf("LoadTemp() error = %v", err)
		}
		defer func() { _ = reader.Close() }()

		content, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("failed to read: %v", err)
		}
		if string(content) != "load data" {
			t.Errorf("got %q, want %q", string(content), "load data")
		}
	})

	t.Run("returns error for non-existent file", func(t *testing.T) {
		_, err := storage.LoadTemp(ctx, "/non/existent/file")
		if err == nil {
			t.Error("expected error for non-existent file")
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := storage.LoadTemp(ctx, "/some/path")
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestLocalStorage_CleanupTemp(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	t.Run("removes files", func(t *testing.T) {
		var paths []string
		for i := 0; i < 3; i++ {
			path, err := storage.SaveTemp(ctx, "cleanup", bytes.NewReader([]byte("data")))
			if err != nil {
				t.Fatalf("SaveTemp() error = %v", err)
			}
			paths = append(paths, path)
		}

		err := storage.CleanupTemp(ctx, paths)
		if err != nil {
			t.Fatalf("CleanupTemp() error = %v", err)
		}

		for _, p := range paths {
			if _, err := os.Stat(p); !os.IsNotExist(err) {
				t.Errorf("file %s still exists", p)
			}
		}
	})

	t.Run("ignores non-existent files", func(t *testing.T) {
		err := storage.CleanupTemp(ctx, []string{filepath.Join(storage.TempDir(), "missing.mp4")})
		if err != nil {
			t.Errorf("CleanupTemp() should ignore non-existent files, got %v", err)
		}
	})

	t.Run("refuses files outside the temp directory", func(t *testing.T) {
		outside := filepath.Join(t.TempDir(), "output.mp4")
		if err := os.WriteFile(outside, []byte("keep me"), 0o600); err != nil {
			t.Fatal(err)
		}
		inside, err := storage.SaveTemp(ctx, "cleanup", bytes.NewReader([]byte("data")))
		if err != nil {
			t.Fatalf("SaveTemp() error = %v", err)
		}

		err = storage.CleanupTemp(ctx, []string{outside, storage.TempDir(), inside})
		if !errors.Is(err, ErrOutsideTempDir) {
			t.Errorf("expected ErrOutsideTempDir, got %v", err)
		}
		if _, err := os.Stat(outside); err != nil {
			t.Errorf("file outside temp dir was touched: %v", err)
		}
		if _, err := os.Stat(inside); !os.IsNotExist(err) {
			t.Errorf("owned file %s should still be removed", inside)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := storage.CleanupTemp(ctx, []string{"/some/path"})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestLocalStorage_UploadToS3(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.UploadToS3(ctx, "key", bytes.NewReader([]byte("data")))
	if err != ErrS3NotConfigured {
		t.Errorf("expected ErrS3NotConfigured, got %v", err)
	}
}

func setupTestStorage(t *testing.T) *LocalStorage {
	t.Helper()
	tempDir := filepath.Join(os.TempDir(), "speedcut_test_"+randomSuffix())
	t.Cleanup(func() { _ = os.RemoveAll(tempDir) })

	storage, err := NewLocalStorage(tempDir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}

func randomSuffix() string {
	return time.Now().Format("20060102150405.000000000")
}
