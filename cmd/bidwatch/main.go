// Command bidwatch follows one auction live and places bids from the
// terminal.
//
//	bidwatch <product-id>
//
// Type an amount to bid, "login <token>" to sign in, "q" to quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aaronwang/bidding-app/internal/auth"
	"github.com/aaronwang/bidding-app/internal/bidapi"
	"github.com/aaronwang/bidding-app/internal/bidinput"
	"github.com/aaronwang/bidding-app/internal/bidstate"
	"github.com/aaronwang/bidding-app/internal/bidstream"
	"github.com/aaronwang/bidding-app/internal/config"
	"github.com/aaronwang/bidding-app/internal/logging"
	"github.com/aaronwang/bidding-app/internal/models"
	"github.com/aaronwang/bidding-app/internal/session"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s <product-id>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "bidwatch:", err)
		os.Exit(1)
	}
}

func run(productID string, in io.Reader, out io.Writer) error {
	cfg, err := config.LoadWatch()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := auth.NewTokenSession(cfg.Token)
	p := &printer{w: out}

	var resumeMu sync.Mutex
	var resume func()
	gate := auth.NewGate(tokens, func(r func()) {
		resumeMu.Lock()
		resume = r
		resumeMu.Unlock()
		p.line("login required: type \"login <token>\" to continue")
	})

	api := bidapi.NewClient(cfg.APIURL, tokens, bidapi.WithTimeout(cfg.RequestTimeout))

	tr := bidstream.NewWSTransport(bidstream.DefaultWSConfig(cfg.StreamURL), logger)
	conn := bidstream.NewConnection(tr, logger)
	defer conn.Close()

	store := bidstate.NewStore(conn,
		bidstate.WithHistory(api),
		bidstate.WithTotals(api),
		bidstate.WithLogger(logger))
	removeRefresh := conn.OnReconnect(func() {
		go func() {
			if err := store.Refresh(ctx); err != nil {
				logger.Warn("refresh_after_reconnect_failed", "error", err)
			}
		}()
	})
	defer removeRefresh()

	fetchCtx, cancelFetch := context.WithTimeout(ctx, cfg.RequestTimeout)
	item, err := api.Auction(fetchCtx, productID)
	cancelFetch()
	if err != nil {
		return fmt.Errorf("failed to load product %s: %w", productID, err)
	}

	view, err := session.Open(ctx, session.Deps{
		Store:     store,
		Placer:    api,
		Gate:      gate,
		Connected: conn.Connected,
		Logger:    logger,
	}, item.Auction, p.readout)
	if errors.Is(err, session.ErrNotAuction) {
		return fmt.Errorf("product %s is sold at a fixed price", productID)
	}
	if err != nil {
		return err
	}
	defer view.Close()

	p.readout(view.Readout())

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch {
			case line == "":
			case line == "q" || line == "quit":
				return nil
			case strings.HasPrefix(line, "login "):
				tokens.SetToken(strings.TrimSpace(strings.TrimPrefix(line, "login ")))
				if _, ok := tokens.CurrentUser(); !ok {
					p.line("token rejected")
					continue
				}
				resumeMu.Lock()
				r := resume
				resume = nil
				resumeMu.Unlock()
				if r != nil {
					go r()
				}
			case line == "logout":
				tokens.Logout()
			default:
				if !view.SetDraftAmount(line) {
					p.line("not an amount: " + line)
					continue
				}
				submit(ctx, view, p, cfg.RequestTimeout)
			}
		}
	}
}

func submit(ctx context.Context, view *session.View, p *printer, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := view.Submit(ctx)
	if err != nil {
		var be *models.BidError
		if errors.As(err, &be) && be.Message != "" {
			p.line(fmt.Sprintf("bid failed (%s): %s", be.Kind, be.Message))
			return
		}
		p.line("bid failed: " + err.Error())
		return
	}
	switch outcome {
	case bidinput.OutcomePlaced:
		p.line("bid placed")
	case bidinput.OutcomeBusy:
		p.line("a bid is already being submitted")
	}
}

// printer serializes output from the input loop and stream callbacks
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

func (p *printer) readout(r session.Readout) {
	leader := "no bids yet"
	if r.TotalBids > 0 {
		leader = fmt.Sprintf("%s by %s", r.HighestBidAmount.StringFixed(2), r.HighestBidderID)
	}
	status := ""
	if !r.Connected {
		status = " [offline]"
	}
	if r.Submitting {
		status += " [submitting]"
	}
	p.line(fmt.Sprintf("[%s] %s (%d bids) min %s%s",
		r.Phase, leader, r.TotalBids, r.MinimumAcceptable.StringFixed(2), status))
}
