package inference

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/care/formcoach/internal/types"
)

// maxProcessMessage bounds a single framed message from the model runner
const maxProcessMessage = 16 << 20

var errRunnerStopped = errors.New("model runner not running")

// ProcessConfig configures a local model runner subprocess
type ProcessConfig struct {
	// Command is the runner executable (e.g. models/run_coach.sh)
	Command string
	Args    []string
	// WriteTimeout bounds a single request write to the runner's stdin
	WriteTimeout time.Duration
	// StopTimeout bounds graceful shutdown before the process is killed
	StopTimeout time.Duration
}

// processRequest is written to the runner's stdin, length-prefixed MsgPack
type processRequest struct {
	Type      string `msgpack:"type"`
	RequestID string `msgpack:"request_id"`
	Image     []byte `msgpack:"image"`
	MIME      string `msgpack:"mime"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Exercise  string `msgpack:"exercise"`
	Prompt    string `msgpack:"prompt"`
}

// processResponse is read from the runner's stdout
type processResponse struct {
	RequestID   string  `msgpack:"request_id"`
	FormCorrect *bool   `msgpack:"form_correct"`
	Feedback    *string `msgpack:"feedback"`
	Error       string  `msgpack:"error"`
	InferenceMS float64 `msgpack:"inference_ms"`
}

// ProcessClient runs the model locally in a subprocess, one request at a time
type ProcessClient struct {
	cfg ProcessConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	responses chan processResponse
	exited    chan struct{}

	callMu   sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isActive atomic.Bool

	requestCount   atomic.Uint64
	totalLatencyMS atomic.Uint64
}

// NewProcessClient validates the configuration; call Start to spawn the runner
func NewProcessClient(cfg ProcessConfig) (*ProcessClient, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("inference: runner command is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &ProcessClient{cfg: cfg}, nil
}

// Start spawns the runner process
func (p *ProcessClient) Start(ctx context.Context) error {
	if p.isActive.Load() {
		return fmt.Errorf("inference: runner already started")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.responses = make(chan processResponse, 1)
	p.exited = make(chan struct{})

	p.cmd = exec.CommandContext(p.ctx, p.cfg.Command, p.cfg.Args...)

	var err error
	if p.stdin, err = p.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if p.stderr, err = p.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start model runner: %w", err)
	}

	slog.Info("inference: model runner spawned",
		"command", p.cfg.Command,
		"pid", p.cmd.Process.Pid,
	)

	p.wg.Add(3)
	go p.readResponses()
	go p.logStderr()
	go p.waitProcess()

	p.isActive.Store(true)
	return nil
}

// Analyze implements Client
func (p *ProcessClient) Analyze(ctx context.Context, frame *types.Frame, exercise string) (types.Verdict, error) {
	const op = "local analyze"
	if err := validateInput(op, frame, exercise); err != nil {
		return types.Verdict{}, err
	}

	p.callMu.Lock()
	defer p.callMu.Unlock()

	if !p.isActive.Load() {
		return types.Verdict{}, transportError(op, errRunnerStopped)
	}

	req := processRequest{
		Type:      "analyze",
		RequestID: uuid.New().String(),
		Image:     frame.Data,
		MIME:      frame.MIME,
		Width:     frame.Width,
		Height:    frame.Height,
		Exercise:  exercise,
		Prompt:    Prompt(exercise),
	}

	started := time.Now()
	if err := p.send(req); err != nil {
		return types.Verdict{}, transportError(op, err)
	}

	for {
		select {
		case <-ctx.Done():
			return types.Verdict{}, transportError(op, ctx.Err())
		case <-p.exited:
			return types.Verdict{}, transportError(op, errRunnerStopped)
		case res := <-p.responses:
			if res.RequestID != req.RequestID {
				// Answer to an earlier call that was abandoned
				slog.Debug("inference: discarding stale runner response", "request_id", res.RequestID)
				continue
			}

			p.requestCount.Add(1)
			p.totalLatencyMS.Add(uint64(time.Since(started).Milliseconds()))

			if res.Error != "" {
				return types.Verdict{}, rejectedError(op, res.Error)
			}
			if res.FormCorrect == nil || res.Feedback == nil {
				return types.Verdict{}, malformedError(op, "runner response without verdict")
			}
			return types.Verdict{FormCorrect: *res.FormCorrect, Feedback: *res.Feedback}, nil
		}
	}
}

// send writes one length-prefixed MsgPack message, bounded by WriteTimeout
func (p *ProcessClient) send(req processRequest) error {
	data, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		prefix := make([]byte, 4)
		binary.BigEndian.PutUint32(prefix, uint32(len(data)))
		if _, err := p.stdin.Write(prefix); err != nil {
			writeErr <- fmt.Errorf("failed to write length prefix: %w", err)
			return
		}
		if _, err := p.stdin.Write(data); err != nil {
			writeErr <- fmt.Errorf("failed to write msgpack data: %w", err)
			return
		}
		writeErr <- nil
	}()

	select {
	case err := <-writeErr:
		return err
	case <-time.After(p.cfg.WriteTimeout):
		return fmt.Errorf("write to model runner timed out after %s", p.cfg.WriteTimeout)
	}
}

func (p *ProcessClient) readResponses() {
	defer p.wg.Done()

	lengthBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(p.stdout, lengthBuf); err != nil {
			if !errors.Is(err, io.EOF) && p.ctx.Err() == nil {
				slog.Error("inference: failed to read from model runner", "error", err)
			}
			return
		}

		n := binary.BigEndian.Uint32(lengthBuf)
		if n > maxProcessMessage {
			slog.Error("inference: model runner message too large", "length", n)
			return
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(p.stdout, data); err != nil {
			slog.Error("inference: truncated model runner message", "error", err, "expected_length", n)
			return
		}

		var res processResponse
		if err := msgpack.Unmarshal(data, &res); err != nil {
			slog.Error("inference: failed to unmarshal runner response",
				"error", err,
				"data_length", len(data),
			)
			continue
		}

		select {
		case p.responses <- res:
		case <-p.ctx.Done():
			return
		}
	}
}

// logStderr forwards runner logs, mapping "[LEVEL]" markers onto slog levels
func (p *ProcessClient) logStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			slog.Error("inference: model runner error", "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			slog.Warn("inference: model runner warning", "log", line)
		default:
			slog.Debug("inference: model runner log", "log", line)
		}
	}
}

func (p *ProcessClient) waitProcess() {
	defer p.wg.Done()
	defer close(p.exited)

	err := p.cmd.Wait()
	p.isActive.Store(false)

	switch {
	case err == nil:
		slog.Info("inference: model runner exited cleanly", "pid", p.cmd.Process.Pid)
	case p.ctx.Err() != nil:
		slog.Debug("inference: model runner exited (shutdown)", "pid", p.cmd.Process.Pid)
	default:
		slog.Error("inference: model runner exited unexpectedly",
			"pid", p.cmd.Process.Pid,
			"error", err,
		)
	}
}

// Stop closes stdin and waits for the runner, killing it after StopTimeout
func (p *ProcessClient) Stop() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	p.isActive.Store(false)
	if p.stdin != nil {
		_ = p.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.StopTimeout):
		slog.Warn("inference: model runner stop timeout, killing process")
		p.cancel()
		<-done
	}
	p.cancel()

	slog.Info("inference: model runner stopped", "requests", p.requestCount.Load())
	return nil
}

// Stats reports request count and average latency
func (p *ProcessClient) Stats() (requests uint64, avgLatencyMS float64) {
	requests = p.requestCount.Load()
	if requests > 0 {
		avgLatencyMS = float64(p.totalLatencyMS.Load()) / float64(requests)
	}
	return requests, avgLatencyMS
}
