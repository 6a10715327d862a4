package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"
)

var statusCommand = cli.Command{
	Name:   "status",
	Usage:  "Print a one-shot snapshot of peers and tasks from a running node's HTTP API",
	Action: printStatus,
	Flags:  []cli.Flag{httpAddrFlag},
}

func printStatus(ctx *cli.Context) error {
	addr := ctx.GlobalString(httpAddrFlag.Name)
	if addr == "" {
		addr = httpAddrFlag.Value
	}

	if err := printPeerTable(addr); err != nil {
		return err
	}
	return printTaskTable(addr)
}

func printPeerTable(addr string) error {
	var peers []struct {
		Hostname string  `json:"hostname"`
		IP       string  `json:"ip"`
		Active   bool    `json:"active"`
		CPU      float64 `json:"cpu_percent"`
		Memory   float64 `json:"memory_percent"`
	}
	if err := fetchJSON(addr, "/peers", &peers); err != nil {
		return fmt.Errorf("fetch peers: %w", err)
	}

	fmt.Println(color.GreenString("Peers"))
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Hostname", "IP", "Active", "CPU %", "Memory %"})
	for _, p := range peers {
		table.Append([]string{p.Hostname, p.IP, fmt.Sprintf("%v", p.Active), fmt.Sprintf("%.1f", p.CPU), fmt.Sprintf("%.1f", p.Memory)})
	}
	table.Render()
	return nil
}

func printTaskTable(addr string) error {
	var tasks []struct {
		TaskID       string `json:"task_id"`
		Function     string `json:"function"`
		Status       string `json:"status"`
		AssignedPeer string `json:"assigned_peer"`
	}
	if err := fetchJSON(addr, "/tasks", &tasks); err != nil {
		return fmt.Errorf("fetch tasks: %w", err)
	}

	fmt.Println(color.GreenString("Tasks"))
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Task ID", "Function", "Status", "Assigned Peer"})
	for _, t := range tasks {
		table.Append([]string{t.TaskID, t.Function, t.Status, t.AssignedPeer})
	}
	table.Render()
	return nil
}

func fetchJSON(addr, path string, v interface{}) error {
	resp, err := http.Get("http://" + addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}
