package camera

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/config"
)

type fakeInvoker struct {
	calls int
	fail  bool
}

func (f *fakeInvoker) Capture(resolution, destPath string) error {
	f.calls++
	if f.fail {
		return os.ErrInvalid
	}
	return os.WriteFile(destPath, []byte("jpeg"), 0o644)
}

func TestConfigureAppliesDefaults(t *testing.T) {
	dev := New(&fakeInvoker{})
	rt := agentrt.New("camera", dev, config.AgentConfig{})
	if err := dev.Configure(rt, config.AgentConfig{}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if dev.devFile == "" || dev.resolution == "" || dev.period <= 0 {
		t.Fatalf("expected non-zero defaults, got devFile=%q resolution=%q period=%v",
			dev.devFile, dev.resolution, dev.period)
	}
}

func TestConnectHWFailsWhenDeviceFileMissing(t *testing.T) {
	dev := New(&fakeInvoker{})
	rt := agentrt.New("camera", dev, config.AgentConfig{})
	if err := dev.Configure(rt, config.AgentConfig{Extra: map[string]any{
		"dev_file": "/no/such/device",
	}}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := dev.ConnectHW(); err == nil {
		t.Fatal("expected ConnectHW to fail for missing device file")
	}
}

func TestConnectHWSucceedsWhenDeviceFilePresent(t *testing.T) {
	dir := t.TempDir()
	dev := New(&fakeInvoker{})
	rt := agentrt.New("camera", dev, config.AgentConfig{})
	if err := dev.Configure(rt, config.AgentConfig{Extra: map[string]any{
		"dev_file": dir,
	}}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := dev.ConnectHW(); err != nil {
		t.Fatalf("ConnectHW: %v", err)
	}
	if !dev.CheckHWConnected() {
		t.Fatal("expected CheckHWConnected to report true")
	}
}

func TestExecCaptureInvokerErrorsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	inv := ExecCaptureInvoker{Run: func(name string, args ...string) error { return nil }}
	dest := filepath.Join(dir, "missing.jpeg")
	if err := inv.Capture("1280x720", dest); err == nil {
		t.Fatal("expected error when capture tool doesn't produce the output file")
	}
}

func TestExecCaptureInvokerSucceedsWhenFileWritten(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "ok.jpeg")
	inv := ExecCaptureInvoker{Run: func(name string, args ...string) error {
		return os.WriteFile(dest, []byte("x"), 0o644)
	}}
	if err := inv.Capture("1280x720", dest); err != nil {
		t.Fatalf("Capture: %v", err)
	}
}

func TestSleepRemainderReturnsImmediatelyWhenOverBudget(t *testing.T) {
	dev := New(&fakeInvoker{})
	dev.period = time.Millisecond
	start := time.Now().Add(-time.Hour) // already way over budget
	done := make(chan struct{})
	go func() {
		dev.sleepRemainder(start)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleepRemainder did not return promptly when already over budget")
	}
}
