//go:build windows

package pty

// Start is not implemented on windows; the multiplexer reports the spawn
// failure to the client, which falls back to the local emulator.
func Start(opts Options) (Handle, error) {
	return nil, ErrUnsupported
}
