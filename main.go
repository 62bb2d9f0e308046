package main

import "github.com/nextlevelbuilder/humanloop/cmd"

func main() {
	cmd.Execute()
}
