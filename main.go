package main

import "mirrorq/cmd"

func main() {
	cmd.Run()
}
