package hostfunc

import "fmt"

// SysError is a capability failure shaped like a Node system error, so the
// guest sees code, syscall and path fields next to the message.
type SysError struct {
	Code    string `json:"code"`
	Syscall string `json:"syscall,omitempty"`
	Path    string `json:"path,omitempty"`
}

func (e *SysError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s, %s '%s'", e.Code, e.Syscall, e.Path)
	}
	return fmt.Sprintf("%s, %s", e.Code, e.Syscall)
}

// Filesystem types

type FSEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

type FSStat struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"is_dir"`
	ModTime int64  `json:"mod_time"`
}

// HTTP types

type HTTPResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}
