package wakelock

import (
	"fmt"
	"os"
	"sync"
)

const (
	DefaultLockPath   = "/sys/power/wake_lock"
	DefaultUnlockPath = "/sys/power/wake_unlock"
)

// WakeLock keeps the device from suspending while held.
type WakeLock interface {
	Acquire() error
	Release() error
}

// SysfsWakeLock uses the kernel's userspace wakelock interface. On kernels without it
// Acquire and Release are no-ops.
//
// Holds are counted: the name is written to the unlock file only when the last holder releases.
type SysfsWakeLock struct {
	Name       string
	LockPath   string
	UnlockPath string

	mu    sync.Mutex
	holds int
}

func NewSysfsWakeLock(name string) *SysfsWakeLock {
	return &SysfsWakeLock{Name: name, LockPath: DefaultLockPath, UnlockPath: DefaultUnlockPath}
}

func (w *SysfsWakeLock) Acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.holds > 0 {
		w.holds++
		return nil
	}
	if err := writeName(w.LockPath, w.Name); err != nil {
		return fmt.Errorf("failed to acquire wake lock %s: %w", w.Name, err)
	}
	w.holds = 1
	return nil
}

func (w *SysfsWakeLock) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.holds == 0 {
		return nil
	}
	w.holds--
	if w.holds > 0 {
		return nil
	}
	if err := writeName(w.UnlockPath, w.Name); err != nil {
		return fmt.Errorf("failed to release wake lock %s: %w", w.Name, err)
	}
	return nil
}

func writeName(path, name string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(name)
	return err
}
