// Command agent-token mints a dashboard bearer token for an agent, signed
// with the server's JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vgabrielk/widget-sub001/internal/auth"
	"github.com/vgabrielk/widget-sub001/internal/config"
)

func main() {
	var (
		agentID string
		name    string
		ttl     time.Duration
	)
	flag.StringVar(&agentID, "agent", "", "agent id that owns widgets (required)")
	flag.StringVar(&name, "name", "", "display name shown on agent messages")
	flag.DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		fmt.Fprintln(os.Stderr, "-agent is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	token, err := auth.New(cfg.JWTSecret, ttl).Issue(auth.Agent{ID: agentID, Name: strings.TrimSpace(name)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
