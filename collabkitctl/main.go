package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/collabkit/collabkit/collabkit"
)

const CtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", 0)
}

func main() {
	usage := `Collabkit control.

Paths are dot-separated, e.g. "doc.title". Values are parsed as json
and fall back to plain strings. The token is read from --token, then
the COLLABKIT_TOKEN env var, then an interactive prompt.

Usage:
    collabkitctl get <room_id> [<path>]
        [--url=<url>] [--token=<token>]
    collabkitctl set <room_id> <path> <value>
        [--url=<url>] [--token=<token>]
    collabkitctl delete <room_id> <path>
        [--url=<url>] [--token=<token>]
    collabkitctl call <room_id> <function> [<args>...]
        [--url=<url>] [--token=<token>]
    collabkitctl presence <room_id>
        [--url=<url>] [--token=<token>]
    collabkitctl watch <room_id>
        [--url=<url>] [--token=<token>]

Options:
    -h --help          Show this screen.
    --version          Show version.
    --url=<url>        Broker websocket url [default: ws://localhost:8800/ws].
    --token=<token>    Auth token.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CtlVersion)
	if err != nil {
		panic(err)
	}

	if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deletePath(opts)
	} else if call_, _ := opts.Bool("call"); call_ {
		call(opts)
	} else if presence_, _ := opts.Bool("presence"); presence_ {
		presence(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func get(opts docopt.Opts) {
	client, room := connectAndJoin(opts)
	defer client.Close()

	var value any = room.Value()
	if pathAny := opts["<path>"]; pathAny != nil {
		if path, ok := pathAny.(string); ok && path != "" {
			value = client.GetAt(room.RoomId(), splitPath(path))
		}
	}
	Out.Printf("%s\n", toJson(value))
}

func set(opts docopt.Opts) {
	client, room := connectAndJoin(opts)
	defer client.Close()

	path := splitPath(opts["<path>"].(string))
	value := parseValue(opts["<value>"].(string))
	if _, err := client.SetAt(room.RoomId(), path, value); err != nil {
		Err.Printf("set error = %s\n", err)
		os.Exit(1)
	}
	flushQueue(client)
	Out.Printf("%s = %s\n", strings.Join(path, "."), toJson(value))
}

func deletePath(opts docopt.Opts) {
	client, room := connectAndJoin(opts)
	defer client.Close()

	path := splitPath(opts["<path>"].(string))
	if _, err := client.DeleteAt(room.RoomId(), path); err != nil {
		Err.Printf("delete error = %s\n", err)
		os.Exit(1)
	}
	flushQueue(client)
	Out.Printf("deleted %s\n", strings.Join(path, "."))
}

func call(opts docopt.Opts) {
	client, room := connectAndJoin(opts)
	defer client.Close()

	functionName := opts["<function>"].(string)
	args := []any{}
	if argsAny := opts["<args>"]; argsAny != nil {
		for _, arg := range argsAny.([]string) {
			args = append(args, parseValue(arg))
		}
	}

	callCtx, callCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer callCancel()
	result, err := client.Call(callCtx, room.RoomId(), functionName, args, nil)
	if err != nil {
		Err.Printf("call error = %s\n", err)
		os.Exit(1)
	}
	Out.Printf("%s\n", toJson(result))
}

func presence(opts docopt.Opts) {
	client, room := connectAndJoin(opts)
	defer client.Close()

	for _, member := range room.Members() {
		Out.Printf("%s (%s)\n", member.Name, member.Id)
	}
	for userId, data := range room.Presence() {
		Out.Printf("  %s: %s\n", userId, toJson(data))
	}
}

func watch(opts docopt.Opts) {
	client, room := connectAndJoin(opts)
	defer client.Close()

	room.AddStateCallback(func(value map[string]any) {
		Out.Printf("state %s\n", toJson(value))
	})
	room.AddPresenceCallback(func(userId string, data map[string]any) {
		Out.Printf("presence %s %s\n", userId, toJson(data))
	})
	client.AddConnectionCallback(func(state collabkit.ConnectionState) {
		Out.Printf("connection %s\n", state)
	})
	Out.Printf("state %s\n", toJson(room.Value()))

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()
}

func connectAndJoin(opts docopt.Opts) (*collabkit.Client, *collabkit.ClientRoom) {
	url := opts["--url"].(string)
	roomId := opts["<room_id>"].(string)

	settings := collabkit.DefaultClientSettings()
	settings.Url = url
	settings.TokenFunc = tokenFunc(opts)

	client := collabkit.NewClient(context.Background(), settings)
	client.AddErrorCallback(func(err error) {
		Err.Printf("broker error = %s\n", err)
	})

	if err := client.Connect(); err != nil {
		Err.Printf("connect %s error = %s\n", url, err)
		os.Exit(1)
	}
	if !await(func() bool {
		return client.UserId() != ""
	}) {
		Err.Printf("auth timeout\n")
		os.Exit(1)
	}

	room, err := client.Join(roomId)
	if err != nil {
		Err.Printf("join %s error = %s\n", roomId, err)
		os.Exit(1)
	}
	if !await(func() bool {
		return 0 < len(room.Members())
	}) {
		Err.Printf("join %s timeout\n", roomId)
		os.Exit(1)
	}
	return client, room
}

func tokenFunc(opts docopt.Opts) func() (string, error) {
	return func() (string, error) {
		if tokenAny := opts["--token"]; tokenAny != nil {
			if token, ok := tokenAny.(string); ok && token != "" {
				return token, nil
			}
		}
		if token := os.Getenv("COLLABKIT_TOKEN"); token != "" {
			return token, nil
		}
		if term.IsTerminal(int(os.Stdin.Fd())) {
			Err.Printf("token: ")
			tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
			Err.Printf("\n")
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(string(tokenBytes)), nil
		}
		return "", nil
	}
}

func await(condition func() bool) bool {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

// give the offline queue a moment to drain before the process exits
func flushQueue(client *collabkit.Client) {
	await(func() bool {
		return client.OfflineQueue().Size() == 0
	})
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

func parseValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err == nil {
		return value
	}
	return raw
}

func toJson(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}
