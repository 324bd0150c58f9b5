// Package hostfunc provides the capabilities a contract can reach through
// host.call and host.callAsync.
//
// Contracts have no implicit access to system resources. Every capability is
// a [Func] registered in a [Registry] under "api.method"; a call naming
// anything else is refused with an ApiDispatchError.
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("math.add", func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	})
//
// Call data reaches a Func as a map: an object is passed as is, anything
// else as {"args": [...]}, so both host.call("fs", "readFile", {path: p}) and
// host.call("fs", "readFile", [p]) work. A trailing "Sync" on the method
// name is ignored.
//
// # Built-in Capabilities
//
// Filesystem: read-only mounts via [FS] and [Mount] (fs.readFile, fs.readdir,
// fs.exists, fs.stat). Failures are [SysError] values carrying a Node-style
// code such as ENOENT.
//
// HTTP and DNS: [HTTP] and [DNS] are limited to an allow-list of hosts and
// disabled without one.
//
// Key-Value Store: in-memory storage via [KV] and [KVConfig].
//
// crypto.randomBytes and time.now need no configuration.
//
// [NewDefaultRegistry] wires all of them from one [Capabilities] value.
package hostfunc
