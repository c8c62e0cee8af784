// Package helperproc re-executes the current test binary as a scripted external process.
//
// A package test opts in by declaring:
//
//	func TestHelperProcess(t *testing.T) { helperproc.Run() }
//
// and launching Command(mode, args...).
package helperproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const EnvWant = "GO_WANT_HELPER_PROCESS"

// Upper bound on how long any helper blocks, so a leaked child never lingers.
const maxBlock = 60 * time.Second

// Command returns the command, args and extra env that run mode in a helper process.
func Command(mode string, args ...string) (string, []string, map[string]string) {
	argv := append([]string{"-test.run=^TestHelperProcess$", "--", mode}, args...)
	return os.Args[0], argv, map[string]string{EnvWant: "1"}
}

// Run dispatches a helper mode when the helper env is set and exits. Otherwise it returns.
//
// Modes:
//   - lines L...: print each line to stdout, exit 0
//   - mixed OUT ERR: print OUT to stdout and ERR to stderr, exit 0
//   - exit CODE L...: print lines, exit CODE
//   - env KEY: print the value of KEY, exit 0
//   - serve L...: print lines, block until SIGTERM, exit 0
//   - late DELAY L...: block DELAY, print lines, block until SIGTERM, exit 0
//   - crash-after DELAY CODE: block DELAY, exit CODE
//   - sleep: block with default signal handling
//   - ignore-term: ignore SIGTERM, print "ignoring", block
//   - long SIZE L...: print lines, with each "<long>" replaced by SIZE bytes of 'x', exit 0
//   - orphan: start a sleeping child in the same process group, print its pid, exit 0
func Run() {
	if os.Getenv(EnvWant) != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "helperproc: missing mode")
		os.Exit(2)
	}
	os.Exit(dispatch(args[1], args[2:]))
}

func dispatch(mode string, args []string) int {
	switch mode {
	case "lines":
		printLines(args)
		return 0
	case "mixed":
		if len(args) > 0 {
			fmt.Fprintln(os.Stdout, args[0])
		}
		if len(args) > 1 {
			fmt.Fprintln(os.Stderr, args[1])
		}
		return 0
	case "exit":
		code := atoi(args, 0, 1)
		if len(args) > 1 {
			printLines(args[1:])
		}
		return code
	case "env":
		if len(args) > 0 {
			fmt.Println(os.Getenv(args[0]))
		}
		return 0
	case "serve":
		printLines(args)
		return blockUntilTerm()
	case "late":
		time.Sleep(duration(args, 0))
		if len(args) > 1 {
			printLines(args[1:])
		}
		return blockUntilTerm()
	case "crash-after":
		time.Sleep(duration(args, 0))
		return atoi(args, 1, 1)
	case "sleep":
		time.Sleep(maxBlock)
		return 0
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ignoring")
		time.Sleep(maxBlock)
		return 0
	case "long":
		size := atoi(args, 0, 0)
		for _, line := range args[min(1, len(args)):] {
			if line == "<long>" {
				line = strings.Repeat("x", size)
			}
			fmt.Println(line)
		}
		return 0
	case "orphan":
		// The child inherits stdout, so the pipe stays open after this process exits.
		child := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$", "--", "sleep")
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(child.Process.Pid)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "helperproc: unknown mode %q\n", mode)
		return 2
	}
}

func blockUntilTerm() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case <-time.After(maxBlock):
	}
	return 0
}

func printLines(lines []string) {
	for _, line := range lines {
		fmt.Println(line)
	}
}

func atoi(args []string, i, fallback int) int {
	if i >= len(args) {
		return fallback
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return fallback
	}
	return v
}

func duration(args []string, i int) time.Duration {
	if i >= len(args) {
		return 0
	}
	d, err := time.ParseDuration(args[i])
	if err != nil {
		return 0
	}
	return d
}
