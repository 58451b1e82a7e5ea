package main

import "github.com/example/ccom-scheduler/cmd"

func main() {
	cmd.Execute()
}
