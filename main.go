package main

import "github.com/nhirsama/Goster-ThermoRelay/cli"

func main() {
	cli.Run()
}
