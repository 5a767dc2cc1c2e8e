// vmkit runs and inspects simulated kernel memory systems.
package main

import "github.com/sarchlab/vmkit/vmkit/cmd"

func main() {
	cmd.Execute()
}
