package main

import "github.com/arcadas/guildgate/cmd"

func main() {
	cmd.Execute()
}
