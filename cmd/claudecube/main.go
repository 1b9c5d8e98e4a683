package main

import "github.com/claudecube/claudecube/cmd/claudecube/cmd"

func main() {
	cmd.Execute()
}
