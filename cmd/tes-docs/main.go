package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tes-profile-go/internal/logger"
	"tes-profile-go/internal/output"
	"tes-profile-go/internal/publish"
)

func main() {
	var (
		path     = flag.String("path", "", "Path to a document log")
		endpoint = flag.String("endpoint", "", "ZMQ endpoint to subscribe to instead of reading a file")
		topic    = flag.String("topic", "", "Topic prefix filter for -endpoint")
		name     = flag.String("name", "", "Only print documents with this name")
		limit    = flag.Int("limit", 0, "Number of documents to print (0 = all)")
	)
	flag.Parse()

	switch {
	case *path != "":
		dumpFile(*path, *name, *limit)
	case *endpoint != "":
		follow(*endpoint, *topic, *name, *limit)
	default:
		log.Fatal("one of -path or -endpoint is required")
	}
}

func dumpFile(path, name string, limit int) {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("open document log: %v", err)
	}
	defer f.Close()

	r, err := output.NewDocLogReader(f)
	if err != nil {
		log.Fatalf("read document log: %v", err)
	}
	count := 0
	for limit <= 0 || count < limit {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("skipping record: %v", err)
			continue
		}
		if name != "" && rec.Name != name {
			continue
		}
		printDoc(rec.Time, rec.Name, rec.Doc)
		count++
	}
}

func follow(endpoint, topic, name string, limit int) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zl, err := logger.New("info")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	msgs, err := publish.Subscribe(ctx, endpoint, topic, zl)
	if err != nil {
		log.Fatalf("subscribe %s: %v", endpoint, err)
	}
	count := 0
	for msg := range msgs {
		if name != "" && msg.Name != name {
			continue
		}
		printDoc(time.Now(), msg.Name, msg.Doc)
		count++
		if limit > 0 && count >= limit {
			return
		}
	}
}

func printDoc(ts time.Time, name string, doc any) {
	pretty, err := json.MarshalIndent(output.NormalizeJSONValue(doc), "", "  ")
	if err != nil {
		log.Printf("%s: JSON encode error: %v", name, err)
		return
	}
	log.Printf("%s at %s", name, ts.Format(time.RFC3339Nano))
	fmt.Println(string(pretty))
}
