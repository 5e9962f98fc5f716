package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/core"
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/transport"
)

const DocSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Document sync control.

Usage:
    docsyncctl watch --url=<url> [--jwt=<jwt>] [--verbose=<level>]
        <query_path>
    docsyncctl write --url=<url> [--jwt=<jwt>] [--verbose=<level>]
        <doc_path> <field_value>...
    docsyncctl offline-demo [--verbose=<level>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --url=<url>          Backend websocket url, e.g. wss://sync.example.com/v1
    --jwt=<jwt>          Bearer jwt; omitted means anonymous access.
    --verbose=<level>    glog verbosity, logged to stderr.

field_value arguments are name=value pairs. Values parse as int, float or
bool when possible, else string.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if verbose, err := opts.String("--verbose"); err == nil && verbose != "" {
		flag.Set("logtostderr", "true")
		flag.Set("v", verbose)
	}
	flag.Parse()

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if write_, _ := opts.Bool("write"); write_ {
		write(opts)
	} else if offlineDemo_, _ := opts.Bool("offline-demo"); offlineDemo_ {
		offlineDemo(opts)
	}
}

func newClient(ctx context.Context, opts docopt.Opts) *core.Client {
	url, _ := opts.String("--url")

	var credentials auth.CredentialsProvider
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		jwtCredentials, err := auth.NewJwtCredentialsProvider(jwt)
		if err != nil {
			Err.Fatalf("bad jwt: %s", err)
		}
		credentials = jwtCredentials
	} else {
		credentials = auth.NewEmptyCredentialsProvider()
	}

	datastore := transport.NewWebSocketDatastore(url, credentials, transport.DefaultChannelSettings())
	return core.NewClient(ctx, credentials, datastore, core.DefaultClientSettings())
}

func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queryPath, _ := opts.String("<query_path>")
	query := model.NewQuery(model.ResourcePathFromString(queryPath))

	client := newClient(ctx, opts)
	defer client.Terminate()

	client.Listen(query, core.ListenOptions{}, func(snapshot *core.ViewSnapshot, err error) {
		if err != nil {
			Err.Printf("listen error: %s", err)
			cancel()
			return
		}
		printSnapshot(snapshot)
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
}

func write(opts docopt.Opts) {
	ctx := context.Background()

	docPath, _ := opts.String("<doc_path>")
	fieldValues := opts["<field_value>"].([]string)
	fields := map[string]any{}
	for _, fieldValue := range fieldValues {
		name, value, ok := strings.Cut(fieldValue, "=")
		if !ok {
			Err.Fatalf("bad field value %q, want name=value", fieldValue)
		}
		fields[name] = parseValue(value)
	}

	client := newClient(ctx, opts)
	defer client.Terminate()

	mutation := model.NewSetMutation(
		model.DocumentKeyFromString(docPath),
		model.WrapObject(fields),
		model.PreconditionNone(),
	)

	acked := make(chan error, 1)
	client.Write([]model.Mutation{mutation}, func(err error) {
		acked <- err
	})

	select {
	case err := <-acked:
		if err != nil {
			Err.Fatalf("write rejected: %s", err)
		}
		Out.Printf("committed %s", docPath)
	case <-time.After(30 * time.Second):
		Err.Fatalf("timed out waiting for the write acknowledgement")
	}
}

// offlineDemo runs the sync stack without a backend: writes apply to the
// local cache and snapshots flow from there.
func offlineDemo(opts docopt.Opts) {
	ctx := context.Background()

	credentials := auth.NewEmptyCredentialsProvider()
	datastore := transport.NewWebSocketDatastore("ws://localhost:0", credentials, transport.DefaultChannelSettings())
	client := core.NewClient(ctx, credentials, datastore, core.DefaultClientSettings())
	defer client.Terminate()
	client.DisableNetwork()

	query := model.NewQuery(model.ResourcePathFromString("rooms"))
	snapshots := make(chan *core.ViewSnapshot, 16)
	client.Listen(query, core.ListenOptions{}, func(snapshot *core.ViewSnapshot, err error) {
		if err != nil {
			Err.Fatalf("listen error: %s", err)
		}
		snapshots <- snapshot
	})

	writes := []struct {
		path   string
		fields map[string]any
	}{
		{"rooms/eros", map[string]any{"name": "eros", "occupants": int64(2)}},
		{"rooms/taupe", map[string]any{"name": "taupe", "occupants": int64(0)}},
		{"rooms/eros", map[string]any{"name": "eros", "occupants": int64(3)}},
	}
	for _, write := range writes {
		client.Write([]model.Mutation{
			model.NewSetMutation(
				model.DocumentKeyFromString(write.path),
				model.WrapObject(write.fields),
				model.PreconditionNone(),
			),
		}, nil)
	}

	// initial empty snapshot plus one per write
	for i := 0; i < len(writes)+1; i += 1 {
		select {
		case snapshot := <-snapshots:
			printSnapshot(snapshot)
		case <-time.After(5 * time.Second):
			Err.Fatalf("timed out waiting for snapshot %d", i)
		}
	}
	Out.Printf("all writes stayed pending: no backend is connected")
}

func printSnapshot(snapshot *core.ViewSnapshot) {
	source := "server"
	if snapshot.FromCache {
		source = "cache"
	}
	Out.Printf("snapshot %s source=%s pending_writes=%t docs=%d",
		snapshot.Query.CanonicalID(), source, snapshot.HasPendingWrites(), snapshot.Documents.Size())
	snapshot.Documents.Range(func(doc *model.Document) bool {
		data, _ := json.Marshal(doc.Data().Value())
		Out.Printf("  %s %s", doc.Key(), data)
		return true
	})
}

func parseValue(value string) any {
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
		return parsed
	}
	if parsed, err := strconv.ParseFloat(value, 64); err == nil {
		return parsed
	}
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	return value
}
