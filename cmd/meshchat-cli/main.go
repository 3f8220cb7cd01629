package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

func main() {
	socket := flag.String("socket", defaultSocket(), "Unix socket path of the agent")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cli := NewCLI(*socket)
	defer cli.Close()

	if err := run(cli, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, ErrMissingArgument) {
			fmt.Fprintln(os.Stderr)
			printUsageTo(os.Stderr)
		}
		os.Exit(1)
	}
}

// errUnknownCommand is returned by run for an unrecognised command.
var errUnknownCommand = errors.New("unknown command")

func run(cli *CLI, cmd string, args []string) error {
	switch cmd {
	case "status":
		return cli.Status()
	case "links":
		return cli.Links()
	case "connect":
		return cli.Connect(args)
	case "accept":
		return cli.Accept(args)
	case "reject":
		return cli.Reject(args)
	case "cancel":
		return cli.Cancel(args)
	case "disconnect":
		return cli.Disconnect(args)
	case "send":
		return cli.Send(args)
	case "history":
		return cli.History(args)
	case "channels":
		return cli.Channels()
	case "create-channel":
		return cli.CreateChannel(args)
	case "delete":
		return cli.Delete(args)
	case "board":
		return cli.Board(args)
	case "boards":
		return cli.Boards()
	case "typing":
		return cli.Typing(args)
	case "typers":
		return cli.Typers(args)
	case "help", "-h", "--help":
		printUsageTo(cli.output)
		return nil
	default:
		return fmt.Errorf("%w: %s", errUnknownCommand, cmd)
	}
}
