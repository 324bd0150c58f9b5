// Package shim runs one contract inside the isolated child process.
//
// The shim reads the contract source from stdin, evaluates it in a fresh goja
// runtime whose only non-standard globals are the ones installed here, and
// keeps an event loop alive while the contract still has work: pending
// timers, pending async capability calls, or an onmessage handler.
//
// Two channels connect the shim to its host:
//
//   - the process IPC channel carries protocol.Event values: ready, message,
//     stdout and result out; message in.
//   - the frame channel carries capability calls (host.call, host.callAsync)
//     using the binary frame protocol.
//
// Every value leaving the interpreter is serialized with the runtime's own
// JSON.stringify, so the host never handles live script objects.
package shim
