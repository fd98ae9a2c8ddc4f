// The main package for the crowdpulse executable.
package main

import (
	"github.com/JakeFAU/crowdpulse/cmd"
)

func main() {
	cmd.Execute()
}
