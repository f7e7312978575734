package main

import "github.com/gabriielgouvea/AssinaGym/cli"

func main() {
	cli.Execute()
}
