// Command colornet runs a demo order-fulfillment net against a
// configured journal store. It shows the full engine loop: initialize,
// fire a manual transition, watch the automatic ones follow, inspect
// state and the journal, and recover after a restart.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "run":
		err = run(args)
	case "state":
		err = state(args)
	case "events":
		err = events(args)
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("colornet - colored Petri net execution engine demo")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  colornet run    [-config file] [-instance id] [-orders n]")
	fmt.Println("  colornet state  [-config file] [-instance id]")
	fmt.Println("  colornet events [-config file] [-instance id]")
}
