package main

import "github.com/jmehdipour/relay/cmd"

func main() {
	cmd.Execute()
}
