package main

import "etf-alerts/internal/cli"

func main() {
	cli.Execute()
}
