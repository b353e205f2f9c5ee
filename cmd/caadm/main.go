package main

import "github.com/jmcleod/caadm/cmd/caadm/cmd"

func main() {
	cmd.Execute()
}
