package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Zereker/packets"
)

// echo runs every upgraded connection and writes each message back.
type echo struct{}

func (echo) Handle(conn *packets.Conn) {
	go func() {
		for {
			msg, err := conn.Recv(context.Background())
			if err != nil {
				_ = conn.End()
				return
			}
			if err = conn.Send(context.Background(), msg); err != nil {
				slog.Error("echo failed", "conn_id", conn.ID(), "error", err.Error())
				return
			}
		}
	}()

	if err := conn.Run(context.Background()); err != nil {
		slog.Info("connection finished", "conn_id", conn.ID(), "error", err.Error())
	}
}

func serve(ctx context.Context, listen string) error {
	addr, err := net.ResolveTCPAddr("tcp", listen)
	if err != nil {
		return err
	}

	server, err := packets.New(addr, packets.ServerConnOptions(packets.MessageMaxSize(1<<20)))
	if err != nil {
		return err
	}

	slog.Info("server start", "addr", server.Addr().String())
	return server.Serve(ctx, echo{})
}

func connect(ctx context.Context, target string) error {
	conn, err := packets.Dial(ctx, target, packets.DialConnOptions(
		packets.OnMessageOption(func(m packets.Message) error {
			fmt.Println(m.Text())
			return nil
		}),
	))
	if err != nil {
		return err
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := conn.Send(ctx, packets.TextMessage(scanner.Text())); err != nil {
				slog.Error("send failed", "error", err.Error())
				break
			}
		}
		_ = conn.End()
	}()

	return conn.Run(ctx)
}

func main() {
	listen := flag.String("listen", "", "address to serve on, e.g. 127.0.0.1:12345")
	target := flag.String("connect", "", "server URL to connect to, e.g. http://127.0.0.1:12345/")
	flag.Parse()

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch {
	case *listen != "":
		err = serve(ctx, *listen)
	case *target != "":
		err = connect(ctx, *target)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil && ctx.Err() == nil {
		slog.Error("exit", "error", err.Error())
		os.Exit(1)
	}
}
