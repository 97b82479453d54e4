package main

import "github.com/thanhtunguet/go-mesh-flow/services/gateway/cli"

func main() {
	cli.Execute()
}
