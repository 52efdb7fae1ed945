package main

import "github.com/ogulcanaydogan/genai-cost-ledger/internal/cli"

func main() {
	cli.Execute()
}
