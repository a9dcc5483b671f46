package main

import "github.com/deploymenttheory/go-fwdl/cmd"

func main() {
	cmd.Execute()
}
