// Package main is the entry point of the marginalia server.
package main

import "os"

func main() {
	os.Exit(Run())
}
