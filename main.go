// The main package for the gazettewatch executable.
package main

import "github.com/Frunin/diario-oficial/cmd"

func main() {
	cmd.Execute()
}
