package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/edit-relay/backend/internal/client"
)

// relaycli is a minimal terminal client: each line typed replaces the
// document text, and remote updates are printed as they arrive.
func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket endpoint")
	doc := flag.String("doc", "", "document id (required)")
	flag.Parse()

	if *doc == "" {
		fmt.Fprintln(os.Stderr, "usage: relaycli -doc <docId> [-url ws://host:port/ws]")
		os.Exit(2)
	}

	c := client.New(client.Options{
		URL:   *url,
		DocID: *doc,
		OnChange: func(text string, version int64) {
			fmt.Printf("<< v%d: %s\n", version, text)
		},
	})
	c.Start()
	defer c.Close()

	fmt.Printf("editing %s via %s; type a line to replace the document\n", *doc, *url)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		c.SetText(scanner.Text())
	}
}
