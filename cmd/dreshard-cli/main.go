package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jonas747/dreshard/orchestrator/rest"
	"github.com/urfave/cli"
)

var restClient *rest.Client

func main() {
	app := cli.NewApp()

	app.Name = "dreshard command line client"
	app.Description = "dreshard-cli is a command line interface for the dreshard resharding orchestrator"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			EnvVar: "DRESHARD_REST_SERVER_ADDR",
			Name:   "serveraddr",
			Value:  "http://127.0.0.1:7448",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:   "status",
			Usage:  "display the connected data nodes and resharding operations",
			Action: StatusCmd,
		},
		cli.Command{
			Name:      "collection",
			Usage:     "display the catalog entry of a collection",
			ArgsUsage: "<namespace>",
			Action:    CollectionCmd,
		},
		cli.Command{
			Name:      "reshard",
			Usage:     "reshards a collection to a new key",
			ArgsUsage: "<namespace>",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "key",
					Usage: "comma separated fields of the new key",
				},
				cli.IntFlag{
					Name:  "chunks",
					Usage: "number of chunks of the new layout, 0 keeps the current count",
				},
			},
			Action: ReshardCmd,
		},
		cli.Command{
			Name:      "abort",
			Usage:     "aborts the resharding of a collection",
			ArgsUsage: "<namespace>",
			Action:    AbortCmd,
		},
		cli.Command{
			Name:   "stepdown",
			Usage:  "stops the coordinators, as if the orchestrator lost its primary role",
			Action: simpleCmd((*rest.Client).StepDown),
		},
		cli.Command{
			Name:   "stepup",
			Usage:  "resumes the persisted resharding operations",
			Action: simpleCmd((*rest.Client).StepUp),
		},
	}

	app.Before = func(c *cli.Context) error {
		restClient = rest.NewClient(c.String("serveraddr"))
		return nil
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func StatusCmd(c *cli.Context) error {
	status, err := restClient.GetStatus()
	if err != nil {
		return err
	}

	fmt.Printf("primary: %t\n", status.Primary)
	if m := status.Metrics; m != nil {
		fmt.Printf("operations: %d started, %d succeeded, %d aborted\n", m.Started, m.Succeeded, m.Aborted)
	}
	fmt.Println()

	tb := table.NewWriter()
	tb.AppendHeader(table.Row{"id", "host", "version", "connected", "since"})
	for _, n := range status.Nodes {
		tb.AppendRow(table.Row{n.ID, n.Host, n.Version, n.SessionEstablished, n.ConnectedAt.Format(time.RFC3339)})
	}
	fmt.Println(tb.Render())

	if len(status.Operations) == 0 {
		fmt.Println("\nno resharding operations")
		return nil
	}

	ops := table.NewWriter()
	ops.AppendHeader(table.Row{"operation", "ns", "key", "state", "donors", "recipients", "elapsed", "abort reason"})
	for _, op := range status.Operations {
		reason := ""
		if op.AbortReason != nil {
			reason = op.AbortReason.Code.String() + ": " + op.AbortReason.Message
		}

		donors := make([]string, 0, len(op.Donors))
		for _, d := range op.Donors {
			donors = append(donors, d.ShardID+"="+d.State)
		}
		recipients := make([]string, 0, len(op.Recipients))
		for _, r := range op.Recipients {
			recipients = append(recipients, r.ShardID+"="+r.State)
		}

		elapsed := (time.Duration(op.ElapsedMillis) * time.Millisecond).Round(time.Second)
		ops.AppendRow(table.Row{op.OperationID, op.Namespace, op.ReshardingKey.String(), op.State,
			strings.Join(donors, " "), strings.Join(recipients, " "), elapsed, reason})
	}
	fmt.Println()
	fmt.Println(ops.Render())
	return nil
}

func CollectionCmd(c *cli.Context) error {
	ns, err := namespaceArg(c)
	if err != nil {
		return err
	}

	entry, err := restClient.GetCollection(ns)
	if err != nil {
		return err
	}

	tb := table.NewWriter()
	tb.AppendRows([]table.Row{
		{"namespace", entry.Namespace},
		{"uuid", entry.UUID},
		{"key", entry.Key.String()},
		{"epoch", entry.Epoch.Hex()},
	})
	if entry.ReshardingFields != nil {
		tb.AppendRow(table.Row{"resharding", string(entry.ReshardingFields.OperationID) + " (" + entry.ReshardingFields.State.String() + ")"})
	}
	fmt.Println(tb.Render())
	return nil
}

func ReshardCmd(c *cli.Context) error {
	ns, err := namespaceArg(c)
	if err != nil {
		return err
	}

	key := c.String("key")
	if key == "" {
		return errors.New("no key specified")
	}

	opID, err := restClient.StartResharding(ns, strings.Split(key, ","), rest.ReshardOptions{
		NumInitialChunks: c.Int("chunks"),
	})
	if err != nil {
		return err
	}

	fmt.Println("started resharding " + ns + ", operation " + opID)
	return nil
}

func AbortCmd(c *cli.Context) error {
	ns, err := namespaceArg(c)
	if err != nil {
		return err
	}

	msg, err := restClient.Abort(ns)
	if err != nil {
		return err
	}

	fmt.Println(msg)
	return nil
}

func simpleCmd(f func(*rest.Client) (string, error)) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		msg, err := f(restClient)
		if err != nil {
			return err
		}

		fmt.Println(msg)
		return nil
	}
}

func namespaceArg(c *cli.Context) (string, error) {
	args := c.Args()
	if len(args) < 1 || args[0] == "" {
		return "", errors.New("no namespace specified")
	}
	return args[0], nil
}
