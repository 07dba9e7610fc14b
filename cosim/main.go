// Command cosim runs co-simulation brokers and benchmark federations.
package main

import "github.com/sarchlab/cosim/cosim/cmd"

func main() {
	cmd.Execute()
}
