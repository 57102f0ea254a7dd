// Package replicate implements the data-copy agent's replication loop:
// spec.md §4.7's mirror of completed segment directories onto the first
// detected USB-mounted filesystem, grounded directly on
// `agents/agent_data_copy.py.__copy_data`/`__check_drive_connected`.
package replicate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fraicap/fraicap/internal/catalog"
	"github.com/fraicap/fraicap/internal/fsutil"
	"github.com/fraicap/fraicap/internal/monitoring"
)

const (
	driveScanInterval = 100 * time.Millisecond
	loopIdle          = time.Second
)

// Announcer receives the replication agent's DATA announcements destined
// for the coordinator (EXT_DRIVE_IN_USE / EXT_DRIVE_NOT_IN_USE /
// EXT_DRIVE_FULL).
type Announcer interface {
	Announce(what string)
}

// Engine drives the copy loop. Construct with NewEngine, then call Run
// in its own goroutine and Stop to end it.
type Engine struct {
	mountPath string
	cat       *catalog.DB
	announce  Announcer
	fs        fsutil.FileSystem

	mu             sync.Mutex
	driveConnected bool
	spaceAvailable bool
	destination    string
	announcedInUse bool

	quit     chan struct{}
	quitOnce sync.Once
}

// NewEngine builds a replication engine watching mountPath for the first
// subdirectory to appear, copying the catalog's worklist into it. Pass
// fsutil.OSFileSystem{} in production; tests can inject
// fsutil.NewMemoryFileSystem() instead.
func NewEngine(mountPath string, cat *catalog.DB, announce Announcer, fs fsutil.FileSystem) *Engine {
	return &Engine{
		mountPath:      mountPath,
		cat:            cat,
		announce:       announce,
		fs:             fs,
		spaceAvailable: true,
		quit:           make(chan struct{}),
	}
}

func (e *Engine) Stop() {
	e.quitOnce.Do(func() { close(e.quit) })
}

// Run drives both the drive-scan loop and the copy loop; it returns when
// Stop is called.
func (e *Engine) Run() {
	go e.scanLoop()
	e.copyLoop()
}

// scanLoop tracks drive-connected edge transitions, logging on change,
// per agent_data_copy.__check_drive_connected.
func (e *Engine) scanLoop() {
	ticker := time.NewTicker(driveScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
		}
		e.scanOnce()
	}
}

func (e *Engine) scanOnce() {
	entries, err := e.fs.ReadDir(e.mountPath)
	connected := err == nil
	var firstSubdir string
	if connected {
		for _, ent := range entries {
			if ent.IsDir() {
				firstSubdir = ent.Name()
				break
			}
		}
		connected = firstSubdir != ""
	}

	e.mu.Lock()
	wasConnected := e.driveConnected
	if connected {
		e.destination = filepath.Join(e.mountPath, firstSubdir)
		if !wasConnected {
			e.spaceAvailable = true
		}
	}
	e.driveConnected = connected
	e.mu.Unlock()

	if connected != wasConnected {
		if connected {
			monitoring.Logf("replicate: external drive connected at %s", e.destination)
		} else {
			monitoring.Logf("replicate: external drive disconnected")
		}
	}
}

func (e *Engine) snapshot() (connected, spaceOK bool, dest string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.driveConnected, e.spaceAvailable, e.destination
}

func (e *Engine) setSpaceAvailable(ok bool) {
	e.mu.Lock()
	e.spaceAvailable = ok
	e.mu.Unlock()
}

func (e *Engine) setDriveConnected(ok bool) {
	e.mu.Lock()
	e.driveConnected = ok
	e.mu.Unlock()
}

// copyLoop implements spec.md §4.7's numbered algorithm.
func (e *Engine) copyLoop() {
	for {
		select {
		case <-e.quit:
			return
		default:
		}

		connected, spaceOK, dest := e.snapshot()
		worklist, err := e.cat.CopyWorklist()
		if err != nil {
			monitoring.Logf("replicate: worklist query: %v", err)
			e.sleep(loopIdle)
			continue
		}

		if connected && spaceOK && len(worklist) > 0 {
			e.announceOnce("EXT_DRIVE_IN_USE")
			for _, entry := range worklist {
				select {
				case <-e.quit:
					return
				default:
				}
				if !e.copyOne(entry, dest) {
					break
				}
			}
			e.announceDone()
		}

		e.sleep(loopIdle)
	}
}

func (e *Engine) sleep(d time.Duration) {
	select {
	case <-e.quit:
	case <-time.After(d):
	}
}

// copyOne copies a single worklist entry. Returns false if the caller
// should stop processing the rest of the worklist this pass (drive
// lost or full).
func (e *Engine) copyOne(entry catalog.WorklistEntry, dest string) bool {
	target := filepath.Join(dest, lastNComponents(entry.Dir, 4))

	if info, err := e.fs.Stat(target); err == nil && info.IsDir() {
		if err := e.fs.RemoveAll(target); err != nil {
			monitoring.Logf("replicate: remove stale partial copy %s: %v", target, err)
		}
	}

	monitoring.Logf("replicate: copying %s -> %s", entry.Dir, target)
	if err := e.copyTree(entry.Dir, target); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			monitoring.Logf("replicate: no space left copying %s", entry.Folio)
			e.setSpaceAvailable(false)
			e.announce.Announce("EXT_DRIVE_FULL")
			return false
		}
		if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
			monitoring.Logf("replicate: permission denied writing %s: %v", dest, err)
			e.setDriveConnected(false)
			return false
		}
		monitoring.Logf("replicate: copy %s: %v", entry.Dir, err)
		return true // transient error on this entry; keep going
	}

	if err := e.fsyncTree(target); err != nil {
		monitoring.Logf("replicate: fsync %s: %v", target, err)
	}
	if err := e.cat.MarkCopied(entry.Folio); err != nil {
		monitoring.Logf("replicate: mark copied %s: %v", entry.Folio, err)
		return true
	}
	monitoring.Logf("replicate: %s copied OK", entry.Folio)
	return true
}

func (e *Engine) announceOnce(what string) {
	e.mu.Lock()
	already := e.announcedInUse
	e.announcedInUse = true
	e.mu.Unlock()
	if !already {
		e.announce.Announce(what)
	}
}

func (e *Engine) announceDone() {
	e.mu.Lock()
	was := e.announcedInUse
	e.announcedInUse = false
	e.mu.Unlock()
	if was {
		e.announce.Announce("EXT_DRIVE_NOT_IN_USE")
	}
}

// lastNComponents returns the last n path components of p, joined with
// filepath.Separator, matching the original's `row[0].split(path.sep)[-4:]`.
func lastNComponents(p string, n int) string {
	parts := strings.Split(filepath.Clean(p), string(filepath.Separator))
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	return filepath.Join(parts...)
}

// copyTree recursively copies src to dst through e.fs, the Go analogue
// of the original's shutil.copytree (with shutil.copyfileobj patched to
// an 8MiB buffer for speed, per agent_data_copy.py).
func (e *Engine) copyTree(src, dst string) error {
	info, err := e.fs.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return e.copyFile(src, dst)
	}
	if err := e.fs.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := e.fs.ReadDir(src)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		childSrc := filepath.Join(src, ent.Name())
		childDst := filepath.Join(dst, ent.Name())
		if err := e.copyTree(childSrc, childDst); err != nil {
			return err
		}
	}
	return nil
}

const copyBufSize = 8 * 1024 * 1024

func (e *Engine) copyFile(src, dst string) error {
	in, err := e.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := e.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := e.fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, copyBufSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Sync()
}

func (e *Engine) fsyncTree(dir string) error {
	info, err := e.fs.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		f, err := e.fs.Open(dir)
		if err != nil {
			return err
		}
		defer f.Close()
		if syncer, ok := f.(interface{ Sync() error }); ok {
			return syncer.Sync()
		}
		return nil
	}
	entries, err := e.fs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if err := e.fsyncTree(filepath.Join(dir, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}
