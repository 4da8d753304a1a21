package main

import "github.com/nextlevelbuilder/chatalloc/cmd"

func main() {
	cmd.Execute()
}
