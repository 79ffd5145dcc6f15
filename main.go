package main

import "github.com/subvault/subvault/cmd"

func main() {
	cmd.Execute()
}
