// Command xvcbridge serves the Xilinx Virtual Cable v1.0 protocol over TCP,
// bridging a remote JTAG debugger to one of the registered drivers.
package main

import "github.com/openxvc/xvcbridge/cmd/xvcbridge/cmd"

func main() {
	cmd.Execute()
}
