// Command fieldsync captures transactions on a field device, delivers them
// to the backend, and runs the reference backend itself.
package main

import (
	"os"

	"github.com/roach88/fieldsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
