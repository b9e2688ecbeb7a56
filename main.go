package main

import "github.com/nhirsama/Goster-Telemetry/cli"

func main() {
	cli.Run()
}
