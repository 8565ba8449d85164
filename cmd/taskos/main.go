// taskos boots the simulated kernel, runs its user programs to completion
// and reports how initproc exited.
//
// With -step the run pauses at every task switch until a key is pressed on
// the controlling terminal; q stops the run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-tty"

	"taskos/pkg/config"
	"taskos/pkg/hart"
	"taskos/pkg/klog"
	"taskos/pkg/loader"
	"taskos/pkg/mm"
	"taskos/pkg/task"
)

var errQuit = errors.New("quit from terminal")

func main() {
	configPath := flag.String("config", "", "path to a JSON boot configuration")
	step := flag.Bool("step", false, "pause at every task switch")
	flag.Parse()

	if err := run(*configPath, *step); err != nil {
		fmt.Fprintf(os.Stderr, "taskos: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, step bool) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	log := klog.Init(os.Stderr, cfg.LogLevel, "taskos")

	table := loader.NewTable()
	if err := installBuiltins(table); err != nil {
		return fmt.Errorf("assemble builtins: %w", err)
	}
	if cfg.AppsDir != "" {
		if err := table.LoadDir(cfg.AppsDir); err != nil {
			return err
		}
	}
	log.Info("apps loaded", "count", table.NumApps(), "names", table.Names())

	task.SetKernel(task.New(task.Options{
		Mem:    mm.NewPhysMem(cfg.Frames),
		Loader: table,
		Logger: log,
	}))
	k := task.GetKernel()
	if err := k.Boot(cfg.InitApps...); err != nil {
		return err
	}

	opts := []hart.Option{hart.WithMaxSteps(cfg.MaxSteps)}
	if step {
		t, err := tty.Open()
		if err != nil {
			return fmt.Errorf("open terminal: %w", err)
		}
		defer t.Close()
		opts = append(opts, hart.WithSliceHook(stepper(t, log)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hart.New(k, opts...)
	err := h.Run(ctx)
	root := k.InitProc()
	log.Info("halted", "steps", h.Steps(), "initproc_exit", root.ExitCode(), "reason", err)

	switch {
	case errors.Is(err, task.ErrAllTasksCompleted):
		return nil
	case errors.Is(err, errQuit):
		return nil
	default:
		return err
	}
}

// stepper waits for a key before each slice.
func stepper(t *tty.TTY, log *slog.Logger) hart.SliceHook {
	return func(pid, tid int) error {
		log.Info("switch", "pid", pid, "tid", tid)
		fmt.Fprint(os.Stderr, "[space] next, [q] quit: ")
		r, err := t.ReadRune()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		if r == 'q' {
			return errQuit
		}
		return nil
	}
}
