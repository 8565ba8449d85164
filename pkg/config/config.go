// Package config holds the kernel's fixed layout constants and the boot
// configuration read from a JSON file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Memory layout.
const (
	// PageSizeBits is log2 of the page size.
	PageSizeBits = 12
	// PageSize is the size of a page and of a physical frame in bytes.
	PageSize = 1 << PageSizeBits
	// MemoryStart is the physical address of the first frame.
	MemoryStart = 0x8000_0000
	// UserStackSize is the size of each task's user stack.
	UserStackSize = PageSize * 2
	// KernelStackSize is the size of each task's kernel stack.
	KernelStackSize = PageSize * 2
	// MaxVA is one past the highest user virtual address (SV39, sign bit clear).
	MaxVA = 1 << (9 + 9 + 9 + PageSizeBits - 1)
	// Trampoline is the page shared by kernel and user space for trap entry.
	Trampoline = MaxVA - PageSize
	// TrapContextBase is where task 0's trap context lives; task n sits n
	// pages below.
	TrapContextBase = Trampoline - PageSize
	// TrapReturn is the symbolic kernel address every new task context
	// resumes at.
	TrapReturn = 0xffff_ffc0_8020_0000
	// TrapHandler is the symbolic address of the kernel trap handler.
	TrapHandler = 0xffff_ffc0_8020_1000
	// MaxTasksPerProcess bounds the user-stack slots reserved below the heap.
	MaxTasksPerProcess = 16
	// DefaultPriority is the priority a new task starts with.
	DefaultPriority = 16
)

// Syscall numbers.
const (
	SyscallExit            = 93
	SyscallYield           = 124
	SyscallSetPriority     = 140
	SyscallGetTime         = 169
	SyscallGetPid          = 172
	SyscallSbrk            = 214
	SyscallMunmap          = 215
	SyscallFork            = 220
	SyscallExec            = 221
	SyscallMmap            = 222
	SyscallWaitPid         = 260
	SyscallSpawn           = 400
	SyscallTaskInfo        = 410
	SyscallThreadCreate    = 460
	SyscallGetTid          = 461
	SyscallWaitTid         = 462
	SyscallMutexCreate     = 463
	SyscallMutexLock       = 464
	SyscallMutexUnlock     = 466
	SyscallSemaphoreCreate = 467
	SyscallSemaphoreUp     = 468
	SyscallSemaphoreDown   = 470

	// MaxSyscallNum bounds the per-task syscall counters.
	MaxSyscallNum = 500
)

// Config errors.
var (
	ErrNoFrames   = errors.New("physical frame count must be positive")
	ErrNoInitApps = errors.New("at least one init app is required")
)

// Config is the boot configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`
	// Frames is the number of simulated physical frames.
	Frames int `json:"frames"`
	// AppsDir, when set, is scanned for program images.
	AppsDir string `json:"apps_dir"`
	// InitApps are started at boot, in order. The first one is initproc.
	InitApps []string `json:"init_apps"`
	// MaxSteps bounds the number of user instructions the emulator executes.
	MaxSteps int `json:"max_steps"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Frames:   2048,
		InitApps: []string{"initproc"},
		MaxSteps: 1_000_000,
	}
}

// Load decodes the JSON file at path on top of Default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the kernel cannot boot with.
func (c *Config) Validate() error {
	if c.Frames <= 0 {
		return ErrNoFrames
	}
	if len(c.InitApps) == 0 {
		return ErrNoInitApps
	}
	return nil
}
