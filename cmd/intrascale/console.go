package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"
	"gopkg.in/urfave/cli.v1"

	"github.com/probechain/intrascale/internal/app"
)

var consoleCommand = cli.Command{
	Name:   "console",
	Usage:  "Start a node and drop into an interactive command line",
	Action: runConsole,
	Flags:  []cli.Flag{configFileFlag, discoveryPortFlag, transportPortFlag, httpAddrFlag, verbosityFlag},
}

const consolePrompt = "intrascale> "

func runConsole(ctx *cli.Context) error {
	cfg := loadNodeConfig(ctx)

	node, err := app.New(cfg)
	if err != nil {
		return err
	}
	registerExampleHandlers(node)
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("intrascale console. Type 'help' for commands, 'exit' to quit.")
	for {
		input, err := line.Prompt(consolePrompt)
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line.AppendHistory(input)

		if handleConsoleCommand(node, strings.TrimSpace(input)) {
			return nil
		}
	}
}

// handleConsoleCommand runs one console command and reports whether the
// console should exit.
func handleConsoleCommand(node *app.Node, input string) bool {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "exit", "quit":
		return true
	case "help":
		fmt.Println("commands: peers, tasks, task <id>, submit <handler> <json-args>, exit")
	case "peers":
		for _, p := range node.Transport.GetConnectedNodes() {
			hw := p.HardwareInfo()
			fmt.Printf("%s\t%s\tactive=%v\tcpu=%.1f\tmem=%.1f\n", p.Hostname, p.IP, p.IsActive(), hw.CPUPercent, hw.MemoryPercent)
		}
	case "tasks":
		for _, snap := range node.GetAllTasks() {
			fmt.Printf("%s\t%s\t%s\t%s\n", snap.TaskID, snap.HandlerName, snap.Status, snap.AssignedPeer)
		}
	case "task":
		if len(fields) < 2 {
			fmt.Println("usage: task <id>")
			return false
		}
		snap, ok := node.GetTaskStatus(fields[1])
		if !ok {
			fmt.Println("no such task")
			return false
		}
		encoded, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(encoded))
	case "submit":
		if len(fields) < 3 {
			fmt.Println("usage: submit <handler> <json-args>")
			return false
		}
		var args []interface{}
		if err := json.Unmarshal([]byte(strings.Join(fields[2:], " ")), &args); err != nil {
			fmt.Printf("invalid json-args: %v\n", err)
			return false
		}
		taskID, err := node.SubmitTask(fields[1], args, nil, 0, 0)
		if err != nil {
			fmt.Printf("submit failed: %v\n", err)
			return false
		}
		fmt.Println(taskID)
	default:
		fmt.Printf("unknown command: %s\n", fields[0])
	}
	return false
}
