package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/ledgersync/internal/snapshot"
)

// mockBackupStore implements BackupStore for testing.
type mockBackupStore struct {
	mu               sync.Mutex
	generateCalls    int
	generateErr      error
	generateDuration time.Duration
}

func (m *mockBackupStore) GenerateBackup(ctx context.Context) error {
	m.mu.Lock()
	m.generateCalls++
	duration := m.generateDuration
	err := m.generateErr
	m.mu.Unlock()

	// VACUUM INTO runs to completion once started
	if duration > 0 {
		time.Sleep(duration)
	}
	return err
}

func (m *mockBackupStore) BackupPath() string {
	return "/data/backup/current.db"
}

func (m *mockBackupStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateCalls
}

// mockUploader records uploads.
type mockUploader struct {
	mu        sync.Mutex
	names     []string
	paths     []string
	uploadErr error
}

func (m *mockUploader) Upload(ctx context.Context, name, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	m.paths = append(m.paths, filePath)
	return m.uploadErr
}

func (m *mockUploader) PresignedURL(ctx context.Context, name string) (string, time.Time, error) {
	return "", time.Time{}, snapshot.ErrNotConfigured
}

// mockBackupRecorder records backup outcomes.
type mockBackupRecorder struct {
	mu      sync.Mutex
	results []error
}

func (m *mockBackupRecorder) BackupCompleted(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, err)
}

func runUntil(t *testing.T, run func(context.Context), d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		run(ctx)
		close(done)
	}()
	time.Sleep(d)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Worker did not stop on context cancellation")
	}
}

func TestBackupWorker_BacksUpOnStart(t *testing.T) {
	store := &mockBackupStore{}
	w := NewBackupWorker(store, time.Hour, nil, nil)

	runUntil(t, w.Run, 50*time.Millisecond)

	if store.calls() < 1 {
		t.Errorf("Expected at least 1 GenerateBackup call on start, got %d", store.calls())
	}
}

func TestBackupWorker_BacksUpOnInterval(t *testing.T) {
	store := &mockBackupStore{}
	w := NewBackupWorker(store, 50*time.Millisecond, nil, nil)

	runUntil(t, w.Run, 150*time.Millisecond)

	// Initial + at least 2 interval calls
	if store.calls() < 3 {
		t.Errorf("Expected at least 3 GenerateBackup calls, got %d", store.calls())
	}
}

func TestBackupWorker_ContinuesAfterErrors(t *testing.T) {
	store := &mockBackupStore{generateErr: errors.New("disk full")}
	recorder := &mockBackupRecorder{}
	w := NewBackupWorker(store, 50*time.Millisecond, nil, recorder)

	runUntil(t, w.Run, 120*time.Millisecond)

	if store.calls() < 2 {
		t.Errorf("Expected multiple GenerateBackup calls even with errors, got %d", store.calls())
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.results) < 2 || recorder.results[0] == nil {
		t.Errorf("Expected failed backups recorded, got %v", recorder.results)
	}
}

func TestBackupWorker_CompletesInProgressOnShutdown(t *testing.T) {
	store := &mockBackupStore{generateDuration: 100 * time.Millisecond}
	w := NewBackupWorker(store, time.Hour, nil, nil)

	start := time.Now()
	runUntil(t, w.Run, 20*time.Millisecond)

	if time.Since(start) < 100*time.Millisecond {
		t.Error("Expected in-progress backup to complete before the worker stops")
	}
}

func TestBackupWorker_UploadsCurrentAndArchive(t *testing.T) {
	// Given a worker with an uploader and a fixed clock
	store := &mockBackupStore{}
	uploader := &mockUploader{}
	recorder := &mockBackupRecorder{}
	w := NewBackupWorker(store, time.Hour, uploader, recorder)
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	w.now = func() time.Time { return at }

	// When one backup runs
	if !w.Backup(context.Background()) {
		t.Fatal("Expected backup to succeed")
	}

	// Then the latest copy and a point-in-time archive are uploaded
	want := []string{snapshot.CurrentObject, snapshot.ArchiveName(at)}
	if strings.Join(uploader.names, ",") != strings.Join(want, ",") {
		t.Errorf("Expected uploads %v, got %v", want, uploader.names)
	}
	for _, p := range uploader.paths {
		if p != store.BackupPath() {
			t.Errorf("Expected upload of %s, got %s", store.BackupPath(), p)
		}
	}
	if len(recorder.results) != 1 || recorder.results[0] != nil {
		t.Errorf("Expected one successful backup recorded, got %v", recorder.results)
	}
}

func TestBackupWorker_UploadFailureIsNotFatal(t *testing.T) {
	store := &mockBackupStore{}
	uploader := &mockUploader{uploadErr: errors.New("access denied")}
	w := NewBackupWorker(store, time.Hour, uploader, nil)

	if !w.Backup(context.Background()) {
		t.Error("Expected local backup to count as success when upload fails")
	}
	if len(uploader.names) != 1 {
		t.Errorf("Expected upload to stop after first failure, got %v", uploader.names)
	}
}

func TestBackupWorker_NoUploadWhenGenerateFails(t *testing.T) {
	store := &mockBackupStore{generateErr: errors.New("locked")}
	uploader := &mockUploader{}
	w := NewBackupWorker(store, time.Hour, uploader, nil)

	if w.Backup(context.Background()) {
		t.Error("Expected backup to fail")
	}
	if len(uploader.names) != 0 {
		t.Errorf("Expected no uploads, got %v", uploader.names)
	}
}
