// coap-get fetches or observes a CoAP resource over UDP.
//
// Usage:
//
//	coap-get [flags] coap://host[:port]/path[?query]
//
// Configuration is read from COAP_* environment variables (and an optional
// .env file); flags override them. With --observe the resource is observed
// until --count notifications arrived or the process is interrupted.
//
// Example:
//
//	coap-get --observe --count 5 -o yaml coap://192.0.2.10/sensors/temp
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd, err := newRootCmd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
