// Package contractbox runs untrusted JavaScript contracts in isolated child
// processes.
//
// # Overview
//
// Every contract gets its own shim process with a restricted set of globals.
// Its only way out is a pair of channels to the host: a framed
// request/response channel for capability calls and a lifecycle channel for
// messages, console output and the final result. Capabilities (files, a
// key-value store, HTTP, DNS) must be enabled explicitly.
//
// # Basic Usage
//
//	exec := executor.New(hostfunc.NewDefaultRegistry(hostfunc.Capabilities{}))
//	result := exec.Run(ctx, `console.log("hi"); 1 + 1`)
//	fmt.Print(result.Output) // hi
//	fmt.Println(result.Value) // 2
//
// # Packages
//
//   - [github.com/caffeineduck/contractbox/protocol]: frame codec, stream parser and IPC events
//   - [github.com/caffeineduck/contractbox/executor]: host side, process launch and call multiplexing
//   - [github.com/caffeineduck/contractbox/shim]: guest side, the contract's runtime
//   - [github.com/caffeineduck/contractbox/hostfunc]: capability handlers
//   - [github.com/caffeineduck/contractbox/vfs]: content-addressed read-only files
package contractbox
