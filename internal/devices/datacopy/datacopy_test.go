package datacopy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/catalog"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestHandleManagerMessageOpensCatalogAndStartsEngine(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "catalog.db")
	db, err := catalog.Open(dbPath)
	require.NoError(t, err)
	db.Close()

	dev := New(nil)
	rt := agentrt.New("data_copy", dev, config.AgentConfig{})
	require.NoError(t, dev.Configure(rt, config.AgentConfig{Extra: map[string]any{
		"usb_mount_path": filepath.Join(dir, "usb"),
	}}))

	dev.HandleManagerMessage(protocol.NewData(dbPath))

	require.Eventually(t, func() bool {
		return rt.HwStatus() == protocol.HwNominal
	}, time.Second, time.Millisecond)

	dev.mu.Lock()
	started, eng := dev.started, dev.engine
	dev.mu.Unlock()
	require.True(t, started)
	require.NotNil(t, eng)

	dev.StopStreaming()
}

func TestHandleManagerMessageIgnoresNonDataMessages(t *testing.T) {
	dev := New(nil)
	rt := agentrt.New("data_copy", dev, config.AgentConfig{})
	require.NoError(t, dev.Configure(rt, config.AgentConfig{}))

	dev.HandleManagerMessage(protocol.NewQuit())

	dev.mu.Lock()
	started := dev.started
	dev.mu.Unlock()
	require.False(t, started)
}

func TestHandleManagerMessageOnlyStartsOnce(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "catalog.db")
	db, err := catalog.Open(dbPath)
	require.NoError(t, err)
	db.Close()

	var opened int
	dev := New(openerFunc(func(path string) (*catalog.DB, error) {
		opened++
		return catalog.Open(path)
	}))
	rt := agentrt.New("data_copy", dev, config.AgentConfig{})
	require.NoError(t, dev.Configure(rt, config.AgentConfig{Extra: map[string]any{
		"usb_mount_path": filepath.Join(dir, "usb"),
	}}))

	dev.HandleManagerMessage(protocol.NewData(dbPath))
	dev.HandleManagerMessage(protocol.NewData(dbPath))

	require.Eventually(t, func() bool { return opened == 1 }, time.Second, time.Millisecond)
	dev.StopStreaming()
}

type openerFunc func(path string) (*catalog.DB, error)

func (f openerFunc) Open(path string) (*catalog.DB, error) { return f(path) }
