// Command bid-token signs a bearer token for a bidder with the gateway's
// JWT_SECRET.
//
//	bid-token -user u1 -ttl 24h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aaronwang/bidding-app/internal/auth"
	"github.com/aaronwang/bidding-app/internal/config"
)

func main() {
	user := flag.String("user", "", "bidder id placed in the token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *user == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadGateway()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	token, exp, err := auth.NewAccessToken(cfg.JWTSecret, *user, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to sign token:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	fmt.Println(token)
}
