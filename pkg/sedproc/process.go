package sedproc

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agnfit-cli/internal/model"
)

// Process runs an external collaborator once per call. It implements
// GridBuilder, Sampler and Writer; which operations the executable
// supports is up to the executable.
type Process struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Options map[string]any
}

var (
	_ GridBuilder = (*Process)(nil)
	_ Sampler     = (*Process)(nil)
	_ Writer      = (*Process)(nil)
)

// BuildGrid asks the subprocess for a grid.
func (p *Process) BuildGrid(ctx context.Context, req BuildRequest) (*model.Grid, error) {
	resp, err := p.call(ctx, Request{Op: OpBuildGrid, Build: &req, Options: p.Options})
	if err != nil {
		return nil, err
	}
	if resp.Grid == nil {
		return nil, eris.Errorf("sedproc: %s returned no grid", p.Name)
	}
	return resp.Grid, nil
}

// Sample runs the sampler for one source.
func (p *Process) Sample(ctx context.Context, req FitRequest) error {
	_, err := p.call(ctx, Request{Op: OpSample, Fit: &req, Options: p.Options})
	return err
}

// Write runs the writer for one source.
func (p *Process) Write(ctx context.Context, req FitRequest) error {
	_, err := p.call(ctx, Request{Op: OpWrite, Fit: &req, Options: p.Options})
	return err
}

func (p *Process) call(ctx context.Context, req Request) (*Response, error) {
	if p.Command == "" {
		return nil, eris.Errorf("sedproc: no command configured for %s", p.Name)
	}

	var in bytes.Buffer
	if err := WriteFrame(&in, req); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Stdin = &in
	if len(p.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range p.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, eris.Wrap(err, "sedproc: stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, eris.Wrap(err, "sedproc: stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, eris.Wrapf(err, "sedproc: start %s", p.Name)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.logStderr(stderr, req.Op)
	}()

	var resp Response
	readErr := ReadFrame(stdout, &resp)
	_, _ = io.Copy(io.Discard, stdout)
	wg.Wait()
	waitErr := cmd.Wait()

	switch {
	case readErr != nil && waitErr != nil:
		return nil, eris.Wrapf(waitErr, "sedproc: %s %s exited without a response", p.Name, req.Op)
	case readErr != nil:
		return nil, eris.Wrapf(readErr, "sedproc: %s %s", p.Name, req.Op)
	case !resp.OK:
		msg := resp.Error
		if msg == "" {
			msg = "unspecified failure"
		}
		return nil, eris.Errorf("sedproc: %s %s: %s", p.Name, req.Op, msg)
	case waitErr != nil:
		return nil, eris.Wrapf(waitErr, "sedproc: %s %s", p.Name, req.Op)
	}
	return &resp, nil
}

// logStderr forwards subprocess log lines, mapping common level markers.
func (p *Process) logStderr(r io.Reader, op Op) {
	log := zap.L().With(zap.String("process", p.Name), zap.String("op", string(op)))
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			log.Error("collaborator error", zap.String("log", line))
		case containsAny(line, "[WARNING]", "[WARN]"):
			log.Warn("collaborator warning", zap.String("log", line))
		default:
			log.Debug("collaborator log", zap.String("log", line))
		}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
