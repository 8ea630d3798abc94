// The main package for the pipeline executable.
package main

import (
	"github.com/JakeFAU/product-3d-pipeline/cmd"
)

func main() {
	cmd.Execute()
}
