package main

import "os"

// Windows consoles have no resize signal.
func notifyResize(ch chan os.Signal) {}
