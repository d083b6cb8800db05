// Cch is a multi-tenant relay for AI chat APIs. It accepts the Claude,
// OpenAI, Responses and Gemini dialects on one port and fans requests out
// across weighted provider pools with sessions, rate limits and breakers.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("cch", version)
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
