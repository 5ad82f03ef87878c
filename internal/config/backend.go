package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

const (
	BackendRHVoice = "rhvoice"
	BackendCommand = "command"
)

func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = BackendRHVoice
	}
	switch backend {
	case BackendRHVoice, BackendCommand:
		return backend, nil
	case "native", "lib":
		return BackendRHVoice, nil
	case "cli":
		return BackendCommand, nil
	default:
		return "", fmt.Errorf(
			"invalid backend %q (expected %s|%s|native|cli)",
			raw,
			BackendRHVoice,
			BackendCommand,
		)
	}
}

// Worker modes.
const (
	ModeThread  = "thread"
	ModeProcess = "process"
	ModeAuto    = "auto"
)

func NormalizeMode(raw string) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(raw))
	switch mode {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeThread, "threads", "threaded":
		return ModeThread, nil
	case ModeProcess, "processes":
		return ModeProcess, nil
	default:
		return "", fmt.Errorf("invalid pool mode %q (expected %s|%s|%s)", raw, ModeThread, ModeProcess, ModeAuto)
	}
}

// ParseWorkers turns a THREADED-style value into a worker count: empty or
// false is 1, true is the CPU count, a positive integer is itself and
// anything else is 1.
func ParseWorkers(raw string) int {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "false":
		return 1
	case "true":
		return runtime.NumCPU()
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 1
	}

	return n
}

// ParseForceProcess reads a PROCESSES_MODE-style switch. ok is false when
// the value is not one of the recognized words.
func ParseForceProcess(raw string) (process, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "enable":
		return true, true
	case "false", "no", "disable":
		return false, true
	}

	return false, false
}

// Resolve returns the worker count and whether workers run as child
// processes. Auto mode uses processes whenever there is more than one
// worker.
func (p PoolConfig) Resolve() (workers int, process bool, err error) {
	workers = p.Workers
	if workers < 1 {
		workers = ParseWorkers(p.Threaded)
	}

	mode, err := NormalizeMode(p.Mode)
	if err != nil {
		return 0, false, err
	}
	if force, ok := ParseForceProcess(p.ForceProcess); ok {
		return workers, force, nil
	}

	switch mode {
	case ModeThread:
		return workers, false, nil
	case ModeProcess:
		return workers, true, nil
	default:
		return workers, workers > 1, nil
	}
}
