package main

import "github.com/yral-dapp/postcache/cmd"

func main() {
	cmd.Execute()
}
