//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/ledgersync/internal/types"
)

// ledgersyncServer manages a running `ledgersync serve` process.
type ledgersyncServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	apiKey  string
	logFile string
}

// startLedgersync launches the binary and waits for it to become healthy.
// The server is configured entirely via environment variables.
func startLedgersync(t *testing.T) *ledgersyncServer {
	t.Helper()

	if ledgersyncBin == "" {
		t.Skip("ledgersync binary not available (set LEDGERSYNC_BIN or add to PATH)")
	}

	dataDir := t.TempDir()
	port := freePort(t)
	s := &ledgersyncServer{
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		apiKey:  testAPIKey,
		logFile: filepath.Join(dataDir, "server.log"),
	}

	cmd := exec.Command(ledgersyncBin, "serve")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("LEDGERSYNC_PORT=%d", port),
		"LEDGERSYNC_DB_PATH="+filepath.Join(dataDir, "server.db"),
		"LEDGERSYNC_API_KEY="+s.apiKey,
		"LEDGERSYNC_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"),
		"LEDGERSYNC_AUDIT_DIR="+filepath.Join(dataDir, "audit"),
	)

	lf, err := os.Create(s.logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start ledgersync: %v", err)
	}
	s.cmd = cmd

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("ledgersync not healthy: %v", err)
	}
	return s
}

func (s *ledgersyncServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

func (s *ledgersyncServer) baseURL() string {
	return "http://" + s.address
}

func (s *ledgersyncServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("ledgersync not healthy after %s", timeout)
}

// getLedger fetches a ledger snapshot from the running server.
func (s *ledgersyncServer) getLedger(t *testing.T, key string) types.LedgerSnapshot {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, s.baseURL()+"/api/v1/ledgers/"+key, nil)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("getLedger: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("getLedger: status %d", resp.StatusCode)
	}
	var snap types.LedgerSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("getLedger decode: %v", err)
	}
	return snap
}

// deviceCLI runs `ledgersync client` against one local database.
type deviceCLI struct {
	server    *ledgersyncServer
	localPath string
	ledger    string
}

func newDeviceCLI(t *testing.T, s *ledgersyncServer, ledger string) *deviceCLI {
	t.Helper()
	return &deviceCLI{
		server:    s,
		localPath: filepath.Join(t.TempDir(), "device.db"),
		ledger:    ledger,
	}
}

func (d *deviceCLI) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(ledgersyncBin, append([]string{"client", "--ledger", d.ledger}, args...)...)
	cmd.Env = append(os.Environ(),
		"LEDGERSYNC_CONFIG_PATH="+filepath.Join(filepath.Dir(d.localPath), "nonexistent.yaml"),
		"LEDGERSYNC_TOKEN="+d.server.apiKey,
		"LEDGERSYNC_REMOTE_URL="+d.server.baseURL(),
		"LEDGERSYNC_LOCAL_PATH="+d.localPath,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("%v: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

func (d *deviceCLI) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := d.run(t, args...)
	if err != nil {
		t.Fatalf("ledgersync client %v: %v", args, err)
	}
	return out
}

// freePort returns a free TCP port on localhost.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
