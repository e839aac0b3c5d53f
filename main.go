package main

import "github.com/RichardoC/luna/cmd"

func main() {
	cmd.Execute()
}
