// The main package for the hcw-crawler executable.
package main

import (
	"github.com/jdevroede/hcw-crawler/cmd"
)

func main() {
	cmd.Execute()
}
