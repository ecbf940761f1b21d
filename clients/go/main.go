// Command humanity-cli connects to a relay, identifies, and echoes
// everything it receives. Useful for smoke-testing a server.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Shaostoul/Humanity-sub000/clients/go/humanity"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: humanity-cli <server-url> <public-key> [display-name]")
		os.Exit(1)
	}

	opts := humanity.Options{
		ServerURL: os.Args[1],
		PublicKey: os.Args[2],
	}
	if len(os.Args) > 3 {
		opts.DisplayName = os.Args[3]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := humanity.Dial(ctx, opts)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}
	defer client.Close()

	fmt.Printf("connected as %s\n", client.DisplayName)

	go func() {
		for {
			msg, err := client.Read()
			if err != nil {
				fmt.Fprintln(os.Stderr, "connection closed:", err)
				os.Exit(0)
			}
			switch {
			case msg.FromName != "":
				fmt.Printf("[%s] %s: %s\n", msg.Type, msg.FromName, msg.Content)
			default:
				fmt.Printf("[%s] %s\n", msg.Type, msg.Content)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := client.SendChat("", line); err != nil {
			fmt.Fprintln(os.Stderr, "send failed:", err)
			return
		}
	}
}
