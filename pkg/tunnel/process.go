package tunnel

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/appsecsanta/mcptunnel/internal/procgroup"
)

const defaultStopGrace = 5 * time.Second

// process is a tunnel binary running in its own process group. Every output
// line is logged at debug level and handed to onLine.
type process struct {
	name   string
	cmd    *exec.Cmd
	logger *slog.Logger
	grace  time.Duration

	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
}

func startProcess(binary string, args, env []string, grace time.Duration, logger *slog.Logger, onLine func(string)) (*process, error) {
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = procgroup.SysProcAttr()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tunnel: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("tunnel: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tunnel: start %s: %w", binary, err)
	}
	if grace <= 0 {
		grace = defaultStopGrace
	}
	p := &process{
		name:   binary,
		cmd:    cmd,
		logger: logger.With("pid", cmd.Process.Pid),
		grace:  grace,
		done:   make(chan struct{}),
	}
	p.logger.Debug("started tunnel process", "command", binary, "args", strings.Join(args, " "))

	var wg sync.WaitGroup
	wg.Add(2)
	go p.scan(&wg, stdout, onLine)
	go p.scan(&wg, stderr, onLine)
	go func() {
		wg.Wait()
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *process) scan(wg *sync.WaitGroup, r io.Reader, onLine func(string)) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p.logger.Debug("tunnel output", "line", line)
		if onLine != nil {
			onLine(line)
		}
	}
}

// exitErr describes how the process ended. Only valid after done closes.
func (p *process) exitErr() error {
	if p.waitErr != nil {
		return fmt.Errorf("tunnel: %s exited: %w", p.name, p.waitErr)
	}
	return fmt.Errorf("tunnel: %s exited", p.name)
}

// stop signals the process group, waits up to the grace period and then
// kills it.
func (p *process) stop() error {
	var err error
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		pid := p.cmd.Process.Pid
		if termErr := procgroup.Terminate(pid); termErr != nil {
			p.logger.Debug("termination signal failed", "error", termErr)
		}
		select {
		case <-p.done:
			return
		case <-time.After(p.grace):
		}
		p.logger.Warn("tunnel process ignored termination signal, killing")
		err = procgroup.Kill(pid)
		<-p.done
	})
	return err
}
