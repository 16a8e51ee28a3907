package main

import "github.com/nextlevelbuilder/bridgebot/cmd"

func main() {
	cmd.Execute()
}
