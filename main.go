package main

import "github.com/kozaktomas/face-clusters/cmd"

func main() {
	cmd.Execute()
}
