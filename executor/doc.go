// Package executor runs untrusted JavaScript contracts in child processes
// and serves their capability calls.
//
// # Overview
//
// Each contract runs in its own shim process. The host talks to it over two
// channels: a framed request/response channel for capability calls, handled
// by a [Multiplexer], and a lifecycle channel carrying ready, message,
// stdout and result events. The child is killed when its time budget
// (default 500ms) runs out.
//
// # Basic Usage
//
//	exec := executor.New(hostfunc.NewDefaultRegistry(hostfunc.Capabilities{}))
//	result := exec.Run(ctx, `1 + 1`)
//	fmt.Println(result.Value) // 2
//
// # Long-lived contracts
//
// A contract that sets onmessage stays alive until its input is closed:
//
//	c := exec.NewContract(`onmessage = function (m) { postMessage(m * 2) }`,
//	    executor.WithTimeout(0))
//	c.OnMessage(func(msg json.RawMessage) { fmt.Println(string(msg)) })
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	c.PostMessage(21)
//	c.CloseInput()
//	c.Wait()
//
// # Shim binary
//
// By default the executor re-executes the running binary with a "shim"
// argument, so programs embedding it must dispatch that subcommand to
// [shim.MainProcess]. Tests use [RunTestShim] and [TestLauncher] instead.
package executor
