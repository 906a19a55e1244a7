package main

import "github.com/torbolabs/torbo/cmd"

func main() {
	cmd.Execute()
}
