// Package ptyhost is the PTY Host layer: it allocates a pseudo-terminal and
// attaches a child process to it, on both Unix (creack/pty) and Windows
// (ConPTY), behind a single Handle interface.
package ptyhost
