package main

import (
	"context"
	"encoding/hex"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/deltawire/deltawire/deltawire"
)

const DeltaCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Delta state replication control.

Usage:
    deltactl sink --connect_url=<connect_url>
        [--snapshot_count=<snapshot_count>]
        [--message_count=<message_count>]
    deltactl diff <base_file> <target_file>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --connect_url=<connect_url>      Websocket url of the replicating sender.
    --snapshot_count=<snapshot_count>  Snapshot ring capacity. [default: 30]
    --message_count=<message_count>  Exit after this many promoted states.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DeltaCtlVersion)
	if err != nil {
		panic(err)
	}

	if sink_, _ := opts.Bool("sink"); sink_ {
		sink(opts)
	} else if diff_, _ := opts.Bool("diff"); diff_ {
		diff(opts)
	}
}

// connect to a sender and print promoted states as they arrive
func sink(opts docopt.Opts) {
	connectUrl, err := opts.String("--connect_url")
	if err != nil {
		panic(err)
	}
	snapshotCount, err := opts.Int("--snapshot_count")
	if err != nil {
		panic(err)
	}
	messageCount, err := opts.Int("--message_count")
	if err != nil {
		// unlimited
		messageCount = 0
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pretty := term.IsTerminal(int(os.Stdout.Fd()))

	handlerSettings := deltawire.DefaultDiffHandlerSettings()
	handlerSettings.SnapshotCount = snapshotCount

	count := 0
	done := make(chan struct{})
	receiver := deltawire.NewReceiver[[]byte](
		cancelCtx,
		connectUrl,
		&deltawire.BytesCodec{},
		func(source deltawire.Id, label uint16, err error) {
			Err.Printf("%s skipped %d = %s", source, label, err)
		},
		handlerSettings,
		deltawire.DefaultReceiverTransportSettings(),
	)
	defer receiver.Close()

	receiver.AddListener(func(source deltawire.Id, state []byte) {
		if pretty {
			Out.Printf("%s (%d bytes)\n%s", source, len(state), hex.Dump(state))
		} else {
			os.Stdout.Write(state)
			os.Stdout.Write([]byte{'\n'})
		}
		count += 1
		if 0 < messageCount && count == messageCount {
			close(done)
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
	case <-sig:
	}

	stats := receiver.Stats()
	Err.Printf(
		"received=%d acked=%d dropped=%d skipped=%d promoted=%d",
		stats.ReceivedCount,
		stats.AckedCount,
		stats.DroppedCount,
		stats.SkippedCount,
		stats.PromotedCount,
	)
}

// word-diff two snapshot payload files and print the patch size
func diff(opts docopt.Opts) {
	baseFile, err := opts.String("<base_file>")
	if err != nil {
		panic(err)
	}
	targetFile, err := opts.String("<target_file>")
	if err != nil {
		panic(err)
	}

	basePayload, err := os.ReadFile(baseFile)
	if err != nil {
		panic(err)
	}
	targetPayload, err := os.ReadFile(targetFile)
	if err != nil {
		panic(err)
	}

	codec := &deltawire.BytesCodec{}
	baseEncoded, err := deltawire.EncodeSnapshot[[]byte](codec, basePayload)
	if err != nil {
		panic(err)
	}
	targetEncoded, err := deltawire.EncodeSnapshot[[]byte](codec, targetPayload)
	if err != nil {
		panic(err)
	}

	d := deltawire.MakeDiff(0, baseEncoded, targetEncoded)
	wireByteCount := len(d.Marshal())

	Out.Printf("snapshot bytes: base=%d target=%d", len(baseEncoded), len(targetEncoded))
	Out.Printf("changed words: %d", len(d.Words))
	Out.Printf("diff wire bytes: %d (%.1f%% of full)", wireByteCount, 100*float64(wireByteCount)/float64(len(targetEncoded)))
}
