// Command nest-gateway runs the credential gateway.
//
//	nest-gateway serve --config nest.yaml
//	nest-gateway keygen --kid nest-key-2 > nest-key-2.pem
//
// Every setting can be overridden with a NEST_ environment variable, e.g.
// NEST_REFRESH_CLIENT_ID or NEST_REDIS_URI.
package main

import "os"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(execute(newRootCmd(), os.Args[1:]))
}
