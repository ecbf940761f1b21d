// Command genkey generates a relay identity: an ed25519 keypair whose
// base64 public key is the session identity sent in the identify frame.
// With -bot, the public key is prefixed so the relay treats the
// connection as an automated peer.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/Shaostoul/Humanity-sub000/internal/models"
)

func main() {
	bot := flag.Bool("bot", false, "generate an automated-peer identity")
	flag.Parse()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintln(os.Stderr, "key generation failed:", err)
		os.Exit(1)
	}

	pubStr := base64.StdEncoding.EncodeToString(pub)
	if *bot {
		pubStr = models.BotKeyPrefix + pubStr
	}

	fmt.Printf("Identity (public key): %s\n", pubStr)
	fmt.Printf("Private key (base64):  %s\n", base64.StdEncoding.EncodeToString(priv))
}
