package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/fog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	domainPresence int32 = 1
	typeActivity   int32 = 1
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		RunE:  runNode,
	}

	flags := cmd.Flags()
	flags.String("listen", "0.0.0.0", "Address direct links are accepted on.")
	flags.Int("port", 27272, "UDP port of direct links.")
	flags.String("advertise", "", "Host other nodes should dial, required with gossip discovery.")
	flags.StringArray("peer", nil, "host:port of a peer to connect to, repeatable.")
	flags.String("user", "fog", "Username shared by the overlay.")
	flags.String("secret", "", "Secret shared by the overlay.")
	flags.Int("reconnect-attempts", 5, "Reconnection attempts of a lost peer.")
	flags.Duration("reconnect-interval", 15*time.Second, "Delay between reconnection attempts.")
	flags.String("identity", "", "Identity file, derived from the port when empty.")
	flags.Bool("announce", true, "Discover and connect to other nodes automatically.")
	flags.Int("announce-port", 27273, "UDP port of multicast discovery.")
	flags.Bool("bridge", false, "Relay multicast messages over direct links.")
	flags.Int("gossip-port", 0, "Use gossip discovery bound on this port instead of multicast.")
	flags.StringArray("gossip-seed", nil, "host:port of a gossip member, repeatable.")
	flags.Duration("activity-interval", 10*time.Second, "Period of activity messages, 0 disables them.")

	for _, name := range []string{
		"listen", "port", "advertise", "peer", "user", "secret",
		"reconnect-attempts", "reconnect-interval", "identity",
		"announce", "announce-port", "bridge", "gossip-port", "gossip-seed",
		"activity-interval",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	return cmd
}

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the node identity, creating it when missing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("identity")
			if path == "" {
				port, _ := cmd.Flags().GetInt("port")
				var err error
				if path, err = fog.DefaultIdentityPath(port); err != nil {
					return err
				}
			}
			id, err := fog.LoadOrCreateIdentity(path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().Int("port", 27272, "Port the identity belongs to.")
	cmd.Flags().String("identity", "", "Identity file, derived from the port when empty.")
	return cmd
}

func runNode(cmd *cobra.Command, _ []string) error {
	handler, err := newLogHandler()
	if err != nil {
		return err
	}
	logger := slog.New(handler)

	// SIGUSR1 dumps the collected metrics to stderr.
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	opts := []fog.Option{
		fog.WithLog(handler),
		fog.WithMetricSink(inm),
		fog.WithListenOn(viper.GetString("listen"), viper.GetInt("port")),
		fog.WithCredentials(viper.GetString("user"), viper.GetString("secret")),
		fog.WithReconnect(viper.GetInt("reconnect-attempts"), viper.GetDuration("reconnect-interval")),
		fog.WithNeighbours(viper.GetStringSlice("peer")),
		fog.WithAnnouncePort(viper.GetInt("announce-port")),
		fog.WithMulticastBridging(viper.GetBool("bridge")),
		fog.WithAutoAnnounce(viper.GetBool("announce")),
	}
	if advertise := viper.GetString("advertise"); advertise != "" {
		opts = append(opts, fog.WithAdvertiseAddr(advertise))
	}
	if identity := viper.GetString("identity"); identity != "" {
		opts = append(opts, fog.WithIdentityFile(identity))
	}
	if gossipPort := viper.GetInt("gossip-port"); gossipPort != 0 {
		opts = append(opts, fog.WithGossipAnnounce(
			viper.GetString("listen"),
			gossipPort,
			viper.GetStringSlice("gossip-seed")...,
		))
	}

	router, err := fog.Create(opts...)
	if err != nil {
		return err
	}
	defer router.Shutdown()

	hostname, _ := os.Hostname()
	router.SignalMessage(domainPresence, typeActivity).Connect(func(payload []byte, mctx fog.MessageContext) {
		var from wrapperspb.StringValue
		if err := fog.UnmarshalPayload(payload, &from); err != nil {
			logger.Warn("dropping activity message", "error", err)
			return
		}
		logger.Info("peer is active", "peer_id", mctx.Source, "hostname", from.GetValue(), "scope", mctx.Scope)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tick <-chan time.Time
	if interval := viper.GetDuration("activity-interval"); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	logger.Info("node running", "id", router.ID(), "addr", router.Addr())
	for {
		select {
		case <-tick:
			msg, err := fog.ProtoMessage(domainPresence, typeActivity, wrapperspb.String(hostname))
			if err != nil {
				return err
			}
			if err := router.SendMessage(msg, fog.ScopeDirect); err != nil {
				logger.Warn("could not send activity", "error", err)
			}
			logger.Info("membership",
				"clients", router.ClientCount(),
				"direct", len(router.DirectClients()),
				"cycle_failures", router.CycleFailures(),
			)
		case <-ctx.Done():
			logger.Info("terminating...")
			return nil
		}
	}
}
