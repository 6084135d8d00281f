package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	dr "github.com/xmidt-org/talaria/devicerelay"
	"github.com/xmidt-org/talaria/devicerelay/broadcast"
	"github.com/xmidt-org/talaria/devicerelay/internal/control"
	httpapi "github.com/xmidt-org/talaria/devicerelay/internal/http"
	"github.com/xmidt-org/talaria/devicerelay/internal/logger"
	"github.com/xmidt-org/talaria/devicerelay/internal/server"
	"github.com/xmidt-org/talaria/devicerelay/relay"
	"github.com/xmidt-org/talaria/devicerelay/runtime"
)

// devicerelay: bridges device resource changes from the cloud to browser
// clients over websockets. It serves /api/devices and /ws and waits for shutdown.
func main() {
	opts, err := dr.LoadOptions()
	logger.Init(opts.LogLevel)
	log := logger.Component("main")
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	auth := dr.BearerAuth{APIKey: opts.APIKey}
	cloud, err := runtime.NewCloudAdapter(runtime.CloudOptions{BaseURL: opts.CloudBaseURL, Auth: auth, RequestTimeout: opts.RequestTimeout})
	if err != nil {
		log.WithError(err).Fatal("failed to build cloud adapter")
	}

	// The notification pump is process wide: started once here, stopped on exit.
	var (
		client  dr.ResourceClient
		channel *runtime.NotificationChannel
	)
	switch opts.FeedMode {
	case dr.FeedModePoll:
		client = runtime.NewPollingClient(cloud, runtime.PollingOptions{
			Interval:       opts.PollInterval,
			RequestTimeout: opts.RequestTimeout,
			Buffer:         opts.FeedBuffer,
		})
	default:
		channel = runtime.NewNotificationChannel(runtime.NotificationOptions{
			BaseURL:  opts.CloudBaseURL,
			Auth:     auth,
			Buffer:   opts.FeedBuffer,
			Register: cloud.RegisterWebsocketChannel,
		})
		if err := channel.Start(context.Background()); err != nil {
			log.WithError(err).Fatal("failed to start notification channel")
		}
		client = runtime.NewPushClient(cloud, channel)
	}

	hub := broadcast.NewHub(broadcast.HubConfig{Room: opts.Room}, nil)
	sinks := broadcast.Fanout{hub}
	var natsSink *broadcast.NATSSink
	if opts.NATSURL != "" {
		natsSink, err = broadcast.DialNATS(opts.NATSURL, opts.NATSSubject)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to NATS")
		}
		sinks = append(sinks, natsSink)
	}

	rl, err := relay.New(relay.Config{
		Client:           client,
		Sink:             sinks,
		RequestTimeout:   opts.RequestTimeout,
		RejectDuplicates: opts.RejectDuplicates,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build relay")
	}
	hub.SetHandler(control.New(control.Config{Relay: rl, Sink: sinks}))

	ctx, cancel := context.WithCancel(context.Background())
	_, errCh, err := server.Start(ctx, server.Config{
		ListenAddr: opts.ListenAddr,
		Handler: httpapi.NewRouter(httpapi.RouterConfig{
			Client:         client,
			WebSocket:      hub,
			RequestTimeout: opts.RequestTimeout,
			Logger:         logger.Component("http"),
		}),
		OnShutdown: hub.Shutdown,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to start server")
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.WithField("mode", opts.FeedMode).Infof("devicerelay running on %s", opts.ListenAddr)
	select {
	case <-sigCh:
		log.Info("shutdown signal received; stopping server")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server error")
		}
	}

	cancel()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*opts.RequestTimeout)
	defer closeCancel()
	if err := rl.Close(closeCtx); err != nil {
		log.WithError(err).Warn("relay close incomplete")
	}
	if channel != nil {
		_ = channel.Stop()
	}
	if natsSink != nil {
		natsSink.Close()
	}
	log.Info("stopped")
}
