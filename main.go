package main

import "hiphop-rpc/cmd"

func main() {
	cmd.Execute()
}
