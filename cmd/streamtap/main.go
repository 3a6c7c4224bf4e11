// streamtap connects to a running feedmux publisher and prints the ticks it
// fans out. Useful for eyeballing a live feed without writing a consumer.
// Usage: go run ./cmd/streamtap --addr localhost:5555 --topics flattrade.NSE
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/marketcalls/feedmux/internal/model"
	"github.com/marketcalls/feedmux/internal/publish"
)

func main() {
	addr := flag.String("addr", "localhost:5555", "publisher address")
	topics := flag.String("topics", "", "comma-separated topic prefixes, empty streams everything")
	verbose := flag.Bool("verbose", false, "print full record JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Error("failed to connect", "addr", *addr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("connected", "addr", *addr)

	if *topics != "" {
		filter := struct {
			Op       string   `json:"op"`
			Prefixes []string `json:"prefixes"`
		}{Op: "filter", Prefixes: strings.Split(*topics, ",")}
		data, _ := json.Marshal(filter)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Error("failed to send topic filter", "error", err)
			os.Exit(1)
		}
		logger.Info("topic filter sent", "prefixes", filter.Prefixes)
	}

	// Closing the connection is what unblocks the read loop below.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		conn.Close()
	}()

	var received atomic.Int64
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			logger.Info("stats", "ticks_received", received.Load())
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			logger.Info("connection closed", "error", err)
			return
		}
		topic, record, err := publish.DecodeFrame(frame)
		if err != nil {
			logger.Warn("bad frame", "error", err)
			continue
		}
		received.Add(1)

		if *verbose {
			var pretty map[string]interface{}
			if err := json.Unmarshal(record, &pretty); err == nil {
				data, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Printf("[%s]\n%s\n", topic, data)
				continue
			}
		}

		var tick model.Tick
		if err := json.Unmarshal(record, &tick); err != nil {
			fmt.Printf("[%s] %s\n", topic, record)
			continue
		}
		switch tick.Mode {
		case model.ModeDepth:
			fmt.Printf("[TICK] topic=%s ltp=%s bids=%d asks=%d vol=%d\n",
				topic, tick.LTP, len(tick.Bids), len(tick.Asks), tick.Volume)
		case model.ModeQuote:
			fmt.Printf("[TICK] topic=%s ltp=%s vol=%d buy=%d sell=%d\n",
				topic, tick.LTP, tick.Volume, tick.TotalBuyQty, tick.TotalSellQty)
		default:
			fmt.Printf("[TICK] topic=%s ltp=%s\n", topic, tick.LTP)
		}
	}
}
