// Package vfs is the read-only filesystem a contract sees.
//
// Files live in a content store: every object is addressed by the BLAKE3
// digest of its plain content and kept zstd-compressed under
// root/objects/<first two hex digits>/<digest>. A manifest maps absolute
// virtual paths to object digests and is itself an object; its digest is the
// manifest id handed to the guest.
//
//	id, err := vfs.Build(root, "./contract")
//	view, err := vfs.Open(root, id)
//	data, err := view.ReadFile("/data/config.json")
//
// Manifests may contain comments and trailing commas.
package vfs
