package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/types"
)

var (
	// ErrRenderTimeout 渲染在超时前没有结束
	ErrRenderTimeout = errors.New("render timed out")
	// ErrRenderCrashed 渲染任务 panic 或被信号杀死
	ErrRenderCrashed = errors.New("render task crashed")
	// ErrRenderFailed 渲染任务报告了错误或以非零状态退出
	ErrRenderFailed = errors.New("render task failed")
	// ErrNoResult 任务正常退出但没有报告文件名
	ErrNoResult = errors.New("render task exited without a result")
)

// EventKind 渲染任务上报的事件类型
type EventKind int

const (
	EventDone EventKind = iota
	EventError
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventDone:
		return "done"
	case EventError:
		return "error"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event 任务生命周期中的一个事件。一个任务可能先后上报 error 和 exit。
type Event struct {
	Kind     EventKind
	FileName string
	Err      error
	ExitCode int
}

// Job 一次渲染任务的输入
type Job struct {
	InvoiceID int64
	Payload   []byte // invoice.created 原始消息体
	Dir       string
}

// Runner 在隔离的执行单元中运行渲染任务。
// Run 阻塞到任务结束，期间通过 emit 上报事件；ctx 结束时必须尽快返回。
type Runner interface {
	Run(ctx context.Context, job Job, emit func(Event))
}

// Outcome 一个任务唯一的最终结果
type Outcome struct {
	FileName string
	Err      error
}

// Reduce 把事件流归约为一个最终结果，settle 只会被调用一次。
// 先到的 done 或 error 决定结果；先到的 exit 按退出码判定失败。
func Reduce(settle func(Outcome)) func(Event) {
	var once sync.Once
	return func(ev Event) {
		var out Outcome
		switch ev.Kind {
		case EventDone:
			out = Outcome{FileName: ev.FileName}
		case EventError:
			out = Outcome{Err: ev.Err}
		case EventExit:
			if ev.ExitCode == 0 {
				out = Outcome{Err: ErrNoResult}
			} else {
				out = Outcome{Err: fmt.Errorf("%w: exit code %d", ErrRenderFailed, ev.ExitCode)}
			}
		default:
			return
		}
		once.Do(func() { settle(out) })
	}
}

// InProcessRunner 在 goroutine 中渲染，panic 被转换为错误事件
type InProcessRunner struct {
	Renderer *Renderer
}

var _ Runner = (*InProcessRunner)(nil)

func (r *InProcessRunner) Run(ctx context.Context, job Job, emit func(Event)) {
	type result struct {
		name string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("%w: %v\n%s", ErrRenderCrashed, p, debug.Stack())}
			}
		}()
		ev, err := types.DecodeCreatedEvent(job.Payload)
		if err != nil {
			done <- result{err: err}
			return
		}
		name, err := r.Renderer.Render(ev, job.Dir)
		done <- result{name: name, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			emit(Event{Kind: EventError, Err: res.err})
			emit(Event{Kind: EventExit, ExitCode: 1})
			return
		}
		emit(Event{Kind: EventDone, FileName: res.name})
		emit(Event{Kind: EventExit, ExitCode: 0})
	case <-ctx.Done():
		// goroutine 无法被强制停止，渲染完成后结果被丢弃
		emit(Event{Kind: EventError, Err: timeoutError(ctx)})
	}
}

// SubprocessRunner 以 render 子命令重新执行当前二进制。
// 事件 JSON 写入子进程 stdin，子进程在 stdout 输出一行 JSON 结果。
type SubprocessRunner struct {
	Executable string
	Args       []string
	Env        []string
	// WaitDelay 超时杀死子进程后等待其输出关闭的时间
	WaitDelay time.Duration
}

var _ Runner = (*SubprocessRunner)(nil)

// NewSubprocessRunner 使用当前可执行文件作为渲染子进程
func NewSubprocessRunner() (*SubprocessRunner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("无法定位当前可执行文件: %w", err)
	}
	return &SubprocessRunner{Executable: exe, Args: []string{"render"}, WaitDelay: 5 * time.Second}, nil
}

type taskResult struct {
	FileName string `json:"fileName,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (r *SubprocessRunner) Run(ctx context.Context, job Job, emit func(Event)) {
	args := append(append([]string{}, r.Args...), "--dir", job.Dir)
	cmd := exec.CommandContext(ctx, r.Executable, args...)
	cmd.Stdin = bytes.NewReader(job.Payload)
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.WaitDelay = r.WaitDelay

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: 4096}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	var res taskResult
	if line := strings.TrimSpace(stdout.String()); line != "" {
		if jerr := json.Unmarshal([]byte(line), &res); jerr != nil {
			res = taskResult{Error: fmt.Sprintf("无法解析渲染结果 %q: %v", line, jerr)}
		}
	}

	switch {
	case ctx.Err() != nil:
		emit(Event{Kind: EventError, Err: timeoutError(ctx)})
	case res.Error != "":
		emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %s", ErrRenderFailed, res.Error)})
	case err == nil && res.FileName != "":
		emit(Event{Kind: EventDone, FileName: res.FileName})
	}

	code := 0
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
		if code < 0 {
			emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %s: %s", ErrRenderCrashed, exitErr, stderr)})
		}
	case err != nil:
		emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrRenderFailed, err)})
		code = -1
	}
	emit(Event{Kind: EventExit, ExitCode: code})
}

// RunSubprocessTask 是 render 子命令的主体：读 stdin 上的事件，渲染到 dir，
// 在 stdout 输出结果。返回非 nil 时调用方应以非零状态退出。
func RunSubprocessTask(stdin io.Reader, stdout io.Writer, renderer *Renderer, dir string) error {
	body, err := io.ReadAll(stdin)
	if err != nil {
		return writeResult(stdout, taskResult{Error: err.Error()}, err)
	}
	ev, err := types.DecodeCreatedEvent(body)
	if err != nil {
		return writeResult(stdout, taskResult{Error: err.Error()}, err)
	}
	name, err := renderer.Render(ev, dir)
	if err != nil {
		return writeResult(stdout, taskResult{Error: err.Error()}, err)
	}
	return writeResult(stdout, taskResult{FileName: name}, nil)
}

func writeResult(w io.Writer, res taskResult, cause error) error {
	if err := json.NewEncoder(w).Encode(res); err != nil && cause == nil {
		return err
	}
	return cause
}

func timeoutError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrRenderTimeout
	}
	return fmt.Errorf("%w: %v", ErrRenderFailed, ctx.Err())
}

// tailBuffer 只保留最后 limit 字节的 stderr
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return strings.TrimSpace(string(b.buf)) }
