package snapshot

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/ledgersync/internal/config"
)

// --- NoopUploader Tests ---

func TestNoopUploader_Upload_IsNoOp(t *testing.T) {
	u := &NoopUploader{}
	err := u.Upload(context.Background(), CurrentObject, "/some/path")
	if err != nil {
		t.Errorf("NoopUploader.Upload() should not error, got %v", err)
	}
}

func TestNoopUploader_PresignedURL_ReturnsErrNotConfigured(t *testing.T) {
	u := &NoopUploader{}
	_, _, err := u.PresignedURL(context.Background(), CurrentObject)
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("NoopUploader.PresignedURL() should return ErrNotConfigured, got %v", err)
	}
}

// --- NewUploader factory tests ---

func TestNewUploader_EmptyBucket_ReturnsNoopUploader(t *testing.T) {
	u, err := NewUploader(config.BackupConfig{})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}

	if _, ok := u.(*NoopUploader); !ok {
		t.Errorf("expected *NoopUploader, got %T", u)
	}
}

func TestNewUploader_WithBucket_ReturnsS3Uploader(t *testing.T) {
	boolTrue := true
	cfg := config.BackupConfig{
		Bucket:    "ledger-backups",
		Endpoint:  "localhost:9000",
		Region:    "us-east-1",
		UseSSL:    &boolTrue,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		URLExpiry: config.Duration(15 * time.Minute),
		Prefix:    "prod",
	}

	u, err := NewUploader(cfg)
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}

	s3u, ok := u.(*S3Uploader)
	if !ok {
		t.Fatalf("expected *S3Uploader, got %T", u)
	}
	if s3u.bucket != "ledger-backups" || s3u.prefix != "prod" {
		t.Errorf("uploader = bucket %q prefix %q", s3u.bucket, s3u.prefix)
	}
	if s3u.urlExpiry != 15*time.Minute {
		t.Errorf("urlExpiry = %v, want 15m", s3u.urlExpiry)
	}
}

func TestNewUploader_EndpointWithScheme(t *testing.T) {
	cfg := config.BackupConfig{
		Bucket:   "ledger-backups",
		Endpoint: "http://minio:9000",
	}

	if _, err := NewUploader(cfg); err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
}

// --- S3Uploader with mock client tests ---

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	uploadCalled   bool
	uploadErr      error
	presignCalled  bool
	presignURL     *url.URL
	presignErr     error
	lastBucket     string
	lastObjectName string
	lastFilePath   string
}

func (m *mockS3Client) FPutObject(ctx context.Context, bucket, objectName, filePath string, opts interface{}) error {
	m.uploadCalled = true
	m.lastBucket = bucket
	m.lastObjectName = objectName
	m.lastFilePath = filePath
	return m.uploadErr
}

func (m *mockS3Client) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	m.presignCalled = true
	m.lastBucket = bucket
	m.lastObjectName = objectName
	if m.presignErr != nil {
		return nil, m.presignErr
	}
	if m.presignURL != nil {
		return m.presignURL, nil
	}
	u, _ := url.Parse("https://s3.example.com/" + bucket + "/" + objectName + "?presigned=true")
	return u, nil
}

func TestS3Uploader_Upload_Success(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "current.db")
	if err := os.WriteFile(filePath, []byte("test data"), 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	mock := &mockS3Client{}
	u := &S3Uploader{
		client:    mock,
		bucket:    "ledger-backups",
		prefix:    "prod",
		urlExpiry: 15 * time.Minute,
	}

	if err := u.Upload(context.Background(), CurrentObject, filePath); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if !mock.uploadCalled {
		t.Error("expected FPutObject to be called")
	}
	if mock.lastBucket != "ledger-backups" {
		t.Errorf("bucket = %q, want %q", mock.lastBucket, "ledger-backups")
	}
	if mock.lastObjectName != "prod/backup/current.db" {
		t.Errorf("objectName = %q, want %q", mock.lastObjectName, "prod/backup/current.db")
	}
	if mock.lastFilePath != filePath {
		t.Errorf("filePath = %q, want %q", mock.lastFilePath, filePath)
	}
}

func TestS3Uploader_Upload_Error(t *testing.T) {
	mock := &mockS3Client{uploadErr: errors.New("network timeout")}
	u := &S3Uploader{client: mock, bucket: "ledger-backups", urlExpiry: 15 * time.Minute}

	err := u.Upload(context.Background(), CurrentObject, "/path/to/file.db")
	if err == nil {
		t.Fatal("Upload() expected error, got nil")
	}
	if !errors.Is(err, mock.uploadErr) {
		t.Errorf("expected wrapped network timeout error, got %v", err)
	}
}

func TestS3Uploader_PresignedURL_Success(t *testing.T) {
	expectedURL, _ := url.Parse("https://s3.example.com/bucket/backup/current.db?token=abc")
	mock := &mockS3Client{presignURL: expectedURL}
	u := &S3Uploader{client: mock, bucket: "ledger-backups", urlExpiry: 15 * time.Minute}

	urlStr, expiry, err := u.PresignedURL(context.Background(), CurrentObject)
	if err != nil {
		t.Fatalf("PresignedURL() error = %v", err)
	}

	if urlStr != expectedURL.String() {
		t.Errorf("url = %q, want %q", urlStr, expectedURL.String())
	}

	// Expiry should be approximately 15 minutes from now
	expectedExpiry := time.Now().Add(15 * time.Minute)
	if expiry.Before(expectedExpiry.Add(-1*time.Second)) || expiry.After(expectedExpiry.Add(1*time.Second)) {
		t.Errorf("expiry = %v, want approximately %v", expiry, expectedExpiry)
	}
	if mock.lastObjectName != "backup/current.db" {
		t.Errorf("objectName = %q, want %q", mock.lastObjectName, "backup/current.db")
	}
}

func TestS3Uploader_PresignedURL_Error(t *testing.T) {
	mock := &mockS3Client{presignErr: errors.New("access denied")}
	u := &S3Uploader{client: mock, bucket: "ledger-backups", urlExpiry: 15 * time.Minute}

	if _, _, err := u.PresignedURL(context.Background(), CurrentObject); err == nil {
		t.Fatal("PresignedURL() expected error, got nil")
	}
}

func TestStripScheme(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantHost string
		wantSSL  bool
	}{
		{"bare host", "s3.example.com", "s3.example.com", true},
		{"bare host:port", "minio:9000", "minio:9000", true},
		{"https URL", "https://s3.example.com", "s3.example.com", true},
		{"http URL", "http://minio:9000", "minio:9000", false},
		{"https with port", "https://s3.example.com:443", "s3.example.com:443", true},
		{"http with port", "http://localhost:9000", "localhost:9000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ssl := true
			got := stripScheme(tt.endpoint, &ssl)
			if got != tt.wantHost {
				t.Errorf("stripScheme(%q) host = %q, want %q", tt.endpoint, got, tt.wantHost)
			}
			if ssl != tt.wantSSL {
				t.Errorf("stripScheme(%q) ssl = %v, want %v", tt.endpoint, ssl, tt.wantSSL)
			}
		})
	}
}

func TestObjectKey_Format(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	tests := []struct {
		prefix, name string
		want         string
	}{
		{"", CurrentObject, "backup/current.db"},
		{"prod", CurrentObject, "prod/backup/current.db"},
		{"prod/eu", ArchiveName(ts), "prod/eu/backup/archive/20260304T050607Z.db"},
	}

	for _, tt := range tests {
		if got := objectKey(tt.prefix, tt.name); got != tt.want {
			t.Errorf("objectKey(%q, %q) = %q, want %q", tt.prefix, tt.name, got, tt.want)
		}
	}
}
