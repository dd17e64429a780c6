// Command pynchy is the gateway entrypoint. All command wiring lives in
// the cmd package; the root command runs the gateway itself.
package main

import "github.com/crypdick/pynchy/cmd"

func main() {
	cmd.Execute()
}
