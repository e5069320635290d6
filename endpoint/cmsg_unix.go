//go:build unix

package endpoint

import "golang.org/x/sys/unix"

// cmsgSpace returns the buffer space the kernel's socket layer actually
// reserves for a message of n bytes, mirroring CMSG_SPACE(n) from the
// reference implementation's send-log accounting.
func cmsgSpace(n int) int {
	return unix.CmsgSpace(n)
}
