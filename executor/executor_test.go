package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/contractbox/executor"
	"github.com/caffeineduck/contractbox/hostfunc"
	"github.com/caffeineduck/contractbox/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// Every contract runs in a re-executed copy of this test binary. The
// generous default timeout absorbs process start-up on slow machines.
var (
	sharedExec    *executor.Executor
	sharedKV      = hostfunc.NewKV(hostfunc.DefaultKVConfig())
	sharedTimeout = 10 * time.Second
)

func TestMain(m *testing.M) {
	executor.RunTestShim()

	sharedExec = newExecutor()
	os.Exit(m.Run())
}

func newExecutor(opts ...executor.ExecutorOption) *executor.Executor {
	registry := hostfunc.NewDefaultRegistry(hostfunc.Capabilities{KV: sharedKV})
	opts = append([]executor.ExecutorOption{
		executor.WithLauncher(executor.TestLauncher()),
		executor.WithDefaults(executor.WithTimeout(sharedTimeout)),
	}, opts...)
	return executor.New(registry, opts...)
}

// =============================================================================
// RESULTS
// =============================================================================

func TestRunCompletionValue(t *testing.T) {
	result := sharedExec.Run(context.Background(), `1+1`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Value != "2" {
		t.Errorf("expected value 2, got %q", result.Value)
	}
	if result.Duration <= 0 {
		t.Error("expected positive duration")
	}
}

func TestRunUndefinedValue(t *testing.T) {
	result := sharedExec.Run(context.Background(), `var x = 1;`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Value != "" {
		t.Errorf("expected no value, got %q", result.Value)
	}
}

func TestRunConsoleOutput(t *testing.T) {
	c := sharedExec.NewContract(`console.log(7); 42`)
	var lines []string
	c.OnStdout(func(line string) { lines = append(lines, line) })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	result := c.Wait()

	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if len(lines) != 1 || lines[0] != "7" {
		t.Errorf("expected one stdout line \"7\", got %q", lines)
	}
	if result.Output != "7\n" {
		t.Errorf("expected output %q, got %q", "7\n", result.Output)
	}
	if result.Value != "42" {
		t.Errorf("expected value 42, got %q", result.Value)
	}
}

func TestRunStdoutWriter(t *testing.T) {
	var out strings.Builder
	result := sharedExec.Run(context.Background(), `console.log("a", 1); print("b")`, executor.WithStdout(&out))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if out.String() != "a 1\nb\n" {
		t.Errorf("expected %q, got %q", "a 1\nb\n", out.String())
	}
}

func TestRunScriptError(t *testing.T) {
	result := sharedExec.Run(context.Background(), `require('fs')`)

	var scriptErr *executor.ScriptError
	if !errors.As(result.Error, &scriptErr) {
		t.Fatalf("expected ScriptError, got %v", result.Error)
	}
	if scriptErr.Message != "ReferenceError: require is not defined" {
		t.Errorf("unexpected message %q", scriptErr.Message)
	}
	if scriptErr.Name() != "ReferenceError" {
		t.Errorf("expected ReferenceError, got %q", scriptErr.Name())
	}
	if result.Value != "" {
		t.Errorf("expected no value, got %q", result.Value)
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestRunTimeoutKillsChild(t *testing.T) {
	c := sharedExec.NewContract(`while (true) {}`, executor.WithTimeout(200*time.Millisecond))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := c.Pid()
	result := c.Wait()

	if !errors.Is(result.Error, executor.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", result.Error)
	}
	if !strings.Contains(result.Error.Error(), "timeout") {
		t.Errorf("expected timeout in message, got %v", result.Error)
	}
	if err := unix.Kill(pid, 0); !errors.Is(err, unix.ESRCH) {
		t.Errorf("expected child %d to be gone, kill(0) returned %v", pid, err)
	}
}

func TestRunContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	result := sharedExec.Run(ctx, `setInterval(function () {}, 10)`)
	if !errors.Is(result.Error, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", result.Error)
	}
}

func TestContractKill(t *testing.T) {
	c := sharedExec.NewContract(`onmessage = function () {}`, executor.WithTimeout(0))
	ready := make(chan struct{})
	c.OnReady(func() { close(ready) })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-ready:
	case <-time.After(sharedTimeout):
		t.Fatal("contract never became ready")
	}
	c.Kill()

	result := c.Wait()
	if !errors.Is(result.Error, executor.ErrKilled) {
		t.Fatalf("expected ErrKilled, got %v", result.Error)
	}
	if err := c.PostMessage(1); !errors.Is(err, executor.ErrContractFinished) {
		t.Errorf("expected ErrContractFinished, got %v", err)
	}
}

func TestContractKillBeforeStart(t *testing.T) {
	c := sharedExec.NewContract(`1`)
	c.Kill()

	if err := c.Start(context.Background()); !errors.Is(err, executor.ErrKilled) {
		t.Fatalf("expected ErrKilled from Start, got %v", err)
	}
	if c.Pid() != 0 {
		t.Errorf("expected no child, got pid %d", c.Pid())
	}
	if result := c.Wait(); !errors.Is(result.Error, executor.ErrKilled) {
		t.Errorf("expected ErrKilled, got %v", result.Error)
	}
}

func TestContractStartTwice(t *testing.T) {
	c := sharedExec.NewContract(`1`)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, executor.ErrContractStarted) {
		t.Errorf("expected ErrContractStarted, got %v", err)
	}
	c.Wait()
}

// =============================================================================
// MESSAGES
// =============================================================================

func TestMessagesEcho(t *testing.T) {
	const n = 5
	c := sharedExec.NewContract(`onmessage = function (m) { postMessage(m) }`)

	var mu sync.Mutex
	var got []json.RawMessage
	c.OnMessage(func(msg json.RawMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Posted before ready: queued and flushed in order.
	for i := 1; i <= n; i++ {
		if err := c.PostMessage(map[string]int{"seq": i}); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	if err := c.CloseInput(); err != nil {
		t.Fatalf("close input: %v", err)
	}

	result := c.Wait()
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("expected %d messages, got %d", n, len(got))
	}
	for i, msg := range got {
		var body struct{ Seq int }
		if err := json.Unmarshal(msg, &body); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if body.Seq != i+1 {
			t.Errorf("message %d out of order: %s", i, msg)
		}
	}
}

func TestNoMessagesWithoutHandler(t *testing.T) {
	c := sharedExec.NewContract(`1`)
	var count int
	c.OnMessage(func(json.RawMessage) { count++ })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	result := c.Wait()
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if count != 0 {
		t.Errorf("expected no messages, got %d", count)
	}
}

// =============================================================================
// CAPABILITIES
// =============================================================================

func TestCapabilitySyncCall(t *testing.T) {
	result := sharedExec.Run(context.Background(), `
host.call('kv', 'set', {key: 'answer', value: 41});
host.call('kv', 'get', {key: 'answer'}) + 1
`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Value != "42" {
		t.Errorf("expected 42, got %q", result.Value)
	}
}

func TestCapabilityAsyncCall(t *testing.T) {
	c := sharedExec.NewContract(`
host.callAsync('kv', 'get', {key: 'missing', default: 'fallback'}, function (err, v) {
  postMessage(err === null ? v : 'error')
})
`)
	var got []string
	c.OnMessage(func(msg json.RawMessage) { got = append(got, string(msg)) })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	result := c.Wait()
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if len(got) != 1 || got[0] != `"fallback"` {
		t.Errorf("expected one \"fallback\" message, got %q", got)
	}
}

func TestCapabilityUnknownAPI(t *testing.T) {
	result := sharedExec.Run(context.Background(), `
var r;
try { host.call('nope', 'x') } catch (e) { r = e.name + ': ' + e.message }
r
`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Value != `"ApiDispatchError: Unhandled api type: nope"` {
		t.Errorf("unexpected value %s", result.Value)
	}
}

func TestReadFileFromManifest(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hi there"), 0o644); err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	id, err := vfs.Build(root, src)
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}

	result := sharedExec.Run(context.Background(), `readFile('/hello.txt')`, executor.WithManifest(root, id))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Value != `"hi there"` {
		t.Errorf("unexpected value %s", result.Value)
	}
}

func TestBadManifestFailsStartup(t *testing.T) {
	result := sharedExec.Run(context.Background(), `1`, executor.WithManifest(t.TempDir(), strings.Repeat("0", 64)))
	if result.Error == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(result.Error.Error(), "without a result") {
		t.Errorf("unexpected error %v", result.Error)
	}
}

// =============================================================================
// CONCURRENCY AND METRICS
// =============================================================================

func TestConcurrentRuns(t *testing.T) {
	const numGoroutines = 8
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	errs := make(chan error, numGoroutines)
	for range numGoroutines {
		go func() {
			defer wg.Done()
			result := sharedExec.Run(context.Background(), `var s = 0; for (var i = 0; i < 100; i++) s += i; s`)
			if result.Error != nil {
				errs <- result.Error
				return
			}
			if result.Value != "4950" {
				errs <- errors.New("unexpected value " + result.Value)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent run failed: %v", err)
	}
}

func TestMetricsRecordRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	exec := newExecutor(executor.WithMetrics(executor.NewMetrics(reg)))

	exec.Run(context.Background(), `1`)
	exec.Run(context.Background(), `throw new Error('x')`)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "contractbox_runs_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					counts[l.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	if counts["ok"] != 1 || counts["error"] != 1 {
		t.Errorf("unexpected run counts %v", counts)
	}
}
