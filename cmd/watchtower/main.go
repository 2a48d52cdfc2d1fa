// Command watchtower runs the intent-settlement watchtower: the chain
// scan loop, the agent scoring API, and the operational subcommands
// for key management and transparency-log verification.
package main

import "os"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}
