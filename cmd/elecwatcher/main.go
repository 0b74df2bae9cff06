package main

import "elec-balance-alerts/internal/cli"

func main() {
	cli.Execute()
}
