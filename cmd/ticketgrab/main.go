package main

import (
	_ "time/tzdata"

	"ticketgrab/internal/cli"
)

func main() {
	cli.Execute()
}
