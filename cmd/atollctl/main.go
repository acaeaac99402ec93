// Command atollctl talks to the atoll daemon over its unix socket.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"atoll/internal/config"
	"atoll/internal/ipc"
)

const usage = `usage: atollctl [-socket path] <command> [args]

commands:
  status                 daemon summary
  devices                tracked accessories
  items                  display-ready battery items
  history                recorded battery samples
  activity <register|update|end|list>
  widget   <set|remove|list>
`

func main() {
	socket := flag.String("socket", "", "daemon socket path (default: the runtime dir)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	path := *socket
	if path == "" {
		path = config.RuntimeSocketPath()
	}
	client := ipc.NewClient(path)

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "status":
		err = call(client, ipc.Request{Op: ipc.OpStatus})
	case "devices":
		err = call(client, ipc.Request{Op: ipc.OpDevices})
	case "items":
		err = call(client, ipc.Request{Op: ipc.OpItems})
	case "history":
		err = runHistory(client, flag.Args()[1:])
	case "activity":
		err = runActivity(client, flag.Args()[1:])
	case "widget":
		err = runWidget(client, flag.Args()[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// call performs one request and prints the response as indented JSON.
func call(client *ipc.Client, req ipc.Request) error {
	resp, err := client.Call(req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func runHistory(client *ipc.Client, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	address := fs.String("address", "", "filter samples to one device address")
	since := fs.Int64("since", 24*3600, "window in seconds")
	fs.Parse(args)

	return call(client, ipc.Request{Op: ipc.OpHistory, Address: *address, SinceSeconds: *since})
}

// extFlags are the arguments shared by every extension operation.
func extFlags(fs *flag.FlagSet) (client, token *string) {
	client = fs.String("client", "", "extension client id")
	token = fs.String("token", "", "extension token")
	return client, token
}

func runActivity(client *ipc.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: atollctl activity <register|update|end|list>")
	}
	verb, rest := args[0], args[1:]

	switch verb {
	case "list":
		return call(client, ipc.Request{Op: ipc.OpActivityList})

	case "register":
		fs := flag.NewFlagSet("activity register", flag.ExitOnError)
		cl, token := extFlags(fs)
		kind := fs.String("kind", "", "activity kind")
		payload := fs.String("payload", "{}", "JSON payload")
		fs.Parse(rest)
		return call(client, ipc.Request{
			Op: ipc.OpActivityRegister, Client: *cl, Token: *token,
			Kind: *kind, Payload: json.RawMessage(*payload),
		})

	case "update":
		fs := flag.NewFlagSet("activity update", flag.ExitOnError)
		cl, token := extFlags(fs)
		id := fs.String("id", "", "activity id")
		payload := fs.String("payload", "{}", "JSON payload")
		fs.Parse(rest)
		return call(client, ipc.Request{
			Op: ipc.OpActivityUpdate, Client: *cl, Token: *token,
			ID: *id, Payload: json.RawMessage(*payload),
		})

	case "end":
		fs := flag.NewFlagSet("activity end", flag.ExitOnError)
		cl, token := extFlags(fs)
		id := fs.String("id", "", "activity id")
		fs.Parse(rest)
		return call(client, ipc.Request{Op: ipc.OpActivityEnd, Client: *cl, Token: *token, ID: *id})

	default:
		return fmt.Errorf("unknown activity verb: %s", verb)
	}
}

func runWidget(client *ipc.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: atollctl widget <set|remove|list>")
	}
	verb, rest := args[0], args[1:]

	switch verb {
	case "list":
		return call(client, ipc.Request{Op: ipc.OpWidgetList})

	case "set":
		fs := flag.NewFlagSet("widget set", flag.ExitOnError)
		cl, token := extFlags(fs)
		slot := fs.String("slot", "", "widget slot")
		payload := fs.String("payload", "{}", "JSON payload")
		fs.Parse(rest)
		return call(client, ipc.Request{
			Op: ipc.OpWidgetSet, Client: *cl, Token: *token,
			Slot: *slot, Payload: json.RawMessage(*payload),
		})

	case "remove":
		fs := flag.NewFlagSet("widget remove", flag.ExitOnError)
		cl, token := extFlags(fs)
		slot := fs.String("slot", "", "widget slot")
		fs.Parse(rest)
		return call(client, ipc.Request{Op: ipc.OpWidgetRemove, Client: *cl, Token: *token, Slot: *slot})

	default:
		return fmt.Errorf("unknown widget verb: %s", verb)
	}
}
