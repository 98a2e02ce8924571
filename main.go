// The main package for the batchscrape executable.
package main

import (
	"os"

	"github.com/JakeFAU/batchscrape/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
