package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/odmirror/odmirror/internal/graph"
	"github.com/odmirror/odmirror/internal/sync"
)

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, graph.ErrNotLoggedIn):
		fmt.Fprintln(os.Stderr, "Error: not logged in. Run 'odmirror login' first.")
		os.Exit(1)
	case errors.Is(err, sync.ErrBigDeleteBlocked):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(3)
	case errors.Is(err, sync.ErrInconsistentState):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(3)
	case errors.Is(err, sync.ErrSyncFailures):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	exitOnError(err)
}
