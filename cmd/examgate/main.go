package main

import "github.com/jmcleod/examgate/cmd/examgate/cmd"

func main() {
	cmd.Execute()
}
