package emulator

import (
	"context"
	"strconv"
	"strings"

	"github.com/devicelab-dev/appium-runner/pkg/adb"
	"github.com/pkg/errors"
)

// Reclaimer finds and kills the processes holding a local port.
type Reclaimer interface {
	Owners(ctx context.Context, port int) ([]int, error)
	Kill(ctx context.Context, pid int) error
}

// LsofReclaimer uses "lsof -t -i :port" and "kill -9".
type LsofReclaimer struct {
	Run adb.Runner // default adb.ExecRunner
}

func (r LsofReclaimer) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Run == nil {
		return adb.ExecRunner(ctx, name, args...)
	}
	return r.Run(ctx, name, args...)
}

// Owners implements Reclaimer. lsof exits non-zero when nothing matches, which
// is reported as no owners.
func (r LsofReclaimer) Owners(ctx context.Context, port int) ([]int, error) {
	out, err := r.run(ctx, "lsof", "-t", "-i", ":"+strconv.Itoa(port))
	if err != nil && len(strings.TrimSpace(string(out))) == 0 {
		return nil, nil
	}
	return parsePIDs(string(out))
}

// Kill implements Reclaimer.
func (r LsofReclaimer) Kill(ctx context.Context, pid int) error {
	out, err := r.run(ctx, "kill", "-9", strconv.Itoa(pid))
	if err != nil {
		return errors.Wrapf(err, "kill -9 %d: %s", pid, strings.TrimSpace(string(out)))
	}
	return nil
}

func parsePIDs(out string) ([]int, error) {
	seen := map[int]bool{}
	var pids []int
	for _, field := range strings.Fields(out) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			return nil, errors.Errorf("unexpected lsof output %q", field)
		}
		if !seen[pid] {
			seen[pid] = true
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
