// ktask boots the scheduler on the host clock and runs workloads against it.
package main

import (
	"fmt"
	"os"

	"ktask/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
