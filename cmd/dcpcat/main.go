// Command dcpcat is a minimal smoke-test consumer of the dcp package:
// it opens a client against a cluster, prints every mutation/deletion
// it sees as one line of text, and exits on SIGINT. It is not a
// supported CLI surface, just the quickest way to eyeball a client
// against a real cluster by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/couchbaselabs/go-dcp-client/dcp"
	"github.com/couchbaselabs/go-dcp-client/dcp/events"
)

func main() {
	host := flag.String("host", "127.0.0.1:8091", "seed host:port of the cluster")
	bucket := flag.String("bucket", "default", "bucket name")
	username := flag.String("username", "", "cluster username")
	password := flag.String("password", "", "cluster password")
	ssl := flag.Bool("ssl", false, "use TLS for DCP and config connections")
	flag.Parse()

	opts := dcp.DefaultOptions()
	opts.ClusterAt = []string{*host}
	opts.Bucket = *bucket
	opts.Credentials = dcp.Credentials{Username: *username, Password: *password}
	opts.SslEnabled = *ssl

	client := dcp.New(opts, printEvent)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Start(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("client exited")
	}
	client.Stop()
}

func printEvent(e events.Event) {
	switch {
	case e.Mutation != nil:
		m := e.Mutation
		fmt.Printf("MUTATION  vb=%d seqno=%d key=%q\n", m.Vbucket, m.Offset.Seqno, m.Key)
		m.Receipt.Ack(context.Background())
	case e.Deletion != nil:
		d := e.Deletion
		kind := "DELETION"
		if d.IsExpiration {
			kind = "EXPIRATION"
		}
		fmt.Printf("%s  vb=%d seqno=%d key=%q\n", kind, d.Vbucket, d.Offset.Seqno, d.Key)
		d.Receipt.Ack(context.Background())
	case e.SnapshotDetail != nil:
		s := e.SnapshotDetail
		fmt.Printf("SNAPSHOT  vb=%d start=%d end=%d\n", s.Vbucket, s.Marker.Start, s.Marker.End)
	case e.StreamEnd != nil:
		fmt.Printf("STREAM_END  vb=%d reason=%d\n", e.StreamEnd.Vbucket, e.StreamEnd.Reason)
	case e.StreamFailure != nil:
		fmt.Printf("STREAM_FAILURE  vb=%d err=%v\n", e.StreamFailure.Vbucket, e.StreamFailure.Cause)
	case e.Rollback != nil:
		fmt.Printf("ROLLBACK  vb=%d seqno=%d\n", e.Rollback.Vbucket, e.Rollback.Seqno)
		e.Rollback.Handled()
	case e.FailoverLog != nil:
		fmt.Printf("FAILOVER_LOG  vb=%d entries=%d\n", e.FailoverLog.Vbucket, len(e.FailoverLog.Entries))
	}
}
