// pobserve runs a program with sensor shims preloaded and reports the
// exec, exit, open and close calls made anywhere in its process tree.
//
// Usage:
//
//	pobserve run --exec --open -- make -j4
//	pobserve env --open --cwd
package main

import (
	"os"

	"github.com/valer-cara/pobserve/cmd/pobserve/cli"
)

func main() {
	os.Exit(cli.Execute())
}
