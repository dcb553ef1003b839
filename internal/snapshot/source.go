package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
)

// ErrSourceUnavailable is returned when the peer table could not be read at all.
var ErrSourceUnavailable = errors.New("snapshot source unavailable")

// Source produces the raw peer table of the daemon.
type Source interface {
	Snapshot(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (string, error)

func (f SourceFunc) Snapshot(ctx context.Context) (string, error) { return f(ctx) }

// CommandSource runs an external command (e.g. "awg show") and returns its stdout.
type CommandSource struct {
	argv []string
}

// NewCommandSource splits command with shell quoting rules.
func NewCommandSource(command string) (*CommandSource, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parsing command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("snapshot: empty command")
	}
	return &CommandSource{argv: argv}, nil
}

func (s *CommandSource) String() string {
	return shellquote.Join(s.argv...)
}

func (s *CommandSource) Snapshot(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s: %v: %s", ErrSourceUnavailable, s, err, msg)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// UAPISource reads the peer table from a userspace daemon's UAPI socket,
// e.g. /var/run/amneziawg/awg0.sock.
type UAPISource struct {
	path string
}

func NewUAPISource(path string) *UAPISource {
	return &UAPISource{path: path}
}

func (s *UAPISource) String() string { return "uapi:" + s.path }

func (s *UAPISource) Snapshot(ctx context.Context) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", s.path)
	if err != nil {
		return "", fmt.Errorf("%w: dial %s: %v", ErrSourceUnavailable, s.path, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte("get=1\n\n")); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", ErrSourceUnavailable, s.path, err)
	}

	var b strings.Builder
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "errno="); ok {
			if errno, _ := strconv.Atoi(v); errno != 0 {
				return "", fmt.Errorf("%w: %s: errno %d", ErrSourceUnavailable, s.path, errno)
			}
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrSourceUnavailable, s.path, err)
	}
	return b.String(), nil
}
