package main

import (
	"github.com/probechain/intrascale/examples/squarehandler"
	"github.com/probechain/intrascale/internal/app"
)

// registerExampleHandlers installs the example task handlers so a freshly
// started node has something to submit() against out of the box (see
// original_source/examples/execute_example.py).
func registerExampleHandlers(node *app.Node) {
	node.RegisterTask("square", squarehandler.Square)
	node.RegisterTask("combine", squarehandler.Combine)
}
