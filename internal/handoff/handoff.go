// Package handoff replaces the current process with the application command.
package handoff

import (
	"errors"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"
)

// ErrEmptyCommand is returned when there is nothing to exec.
var ErrEmptyCommand = errors.New("no command to exec")

// Execer replaces the running process with argv. On success it does not return.
type Execer func(argv []string, env []string) error

// Error wraps a failed handoff with the command that could not be started.
type Error struct {
	Command string
	Err     error
}

func (e *Error) Error() string { return fmt.Sprintf("exec %s: %v", e.Command, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Resolve finds the executable for argv[0] on PATH. Names containing a slash
// are used as given.
func Resolve(argv []string) (string, error) {
	if len(argv) == 0 || argv[0] == "" {
		return "", ErrEmptyCommand
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return "", &Error{Command: argv[0], Err: err}
	}
	return path, nil
}

// Exec resolves argv[0] and calls execve with argv passed through unchanged.
// The process keeps its PID, so signals reach the application directly.
func Exec(argv []string, env []string) error {
	path, err := Resolve(argv)
	if err != nil {
		return err
	}
	if err := unix.Exec(path, argv, env); err != nil {
		return &Error{Command: argv[0], Err: err}
	}
	return nil
}
