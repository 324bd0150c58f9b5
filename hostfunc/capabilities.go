package hostfunc

// Capabilities selects the built-in capabilities a registry offers.
type Capabilities struct {
	Mounts       []Mount
	KV           *KV
	AllowedHosts []string
	Resolver     Resolver
	Clock        Clock
}

// NewDefaultRegistry returns a registry with fs (when mounts are given),
// kv (when a store is given), http and dns (enabled by AllowedHosts), crypto
// and time.
func NewDefaultRegistry(caps Capabilities) *Registry {
	r := NewRegistry()
	if len(caps.Mounts) > 0 {
		NewFS(caps.Mounts).Register(r)
	}
	if caps.KV != nil {
		caps.KV.Register(r)
	}
	NewHTTP(HTTPConfig{AllowedHosts: caps.AllowedHosts}).Register(r)
	NewDNS(caps.AllowedHosts, caps.Resolver).Register(r)
	r.Register("crypto.randomBytes", RandomBytes)
	caps.Clock.Register(r)
	return r
}
