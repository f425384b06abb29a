package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/edgeo-scada/modbus-sim/device"
	"github.com/edgeo-scada/modbus-sim/internal/api"
	"github.com/edgeo-scada/modbus-sim/internal/publish"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the device directory and serve every enabled device",
	Long: `Load every device document, start the enabled devices and their simulations,
then serve the HTTP API and the MQTT mirror until interrupted.

Examples:
  modbus-sim serve -d ./devices --http :9090
  modbus-sim serve --mqtt-broker tcp://localhost:1883 --mqtt-interval 2s
  modbus-sim serve --start-servers=false`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("http", ":8080", "HTTP API listen address (empty disables)")
	serveCmd.Flags().Bool("start-servers", true, "start enabled devices after loading")
	serveCmd.Flags().String("listen-host", "", "host the device listeners bind to (default: all interfaces)")
	serveCmd.Flags().Duration("sim-interval", time.Second, "simulation tick")
	serveCmd.Flags().String("mqtt-broker", "", "MQTT broker URL (empty disables)")
	serveCmd.Flags().String("mqtt-topic", "modbus-sim", "MQTT topic prefix")
	serveCmd.Flags().Duration("mqtt-interval", 5*time.Second, "MQTT publish period")

	viper.BindPFlag("http.addr", serveCmd.Flags().Lookup("http"))
	viper.BindPFlag("devices.start_servers", serveCmd.Flags().Lookup("start-servers"))
	viper.BindPFlag("devices.listen_host", serveCmd.Flags().Lookup("listen-host"))
	viper.BindPFlag("simulation.interval", serveCmd.Flags().Lookup("sim-interval"))
	viper.BindPFlag("mqtt.broker", serveCmd.Flags().Lookup("mqtt-broker"))
	viper.BindPFlag("mqtt.topic_prefix", serveCmd.Flags().Lookup("mqtt-topic"))
	viper.BindPFlag("mqtt.interval", serveCmd.Flags().Lookup("mqtt-interval"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := device.NewManager(cfg.Devices.Dir, deviceOptions(cfg)...)
	printLoadMessages(m.LoadDevices(ctx, cfg.Devices.StartServers))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Close(closeCtx); err != nil {
			logger.Error("shutdown", slog.String("error", err.Error()))
		}
		outputInfo("All devices stopped")
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.HTTP.Addr != "" {
		srv := api.New(m, api.WithLogger(logger))
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.HTTP.Addr)
		})
	}

	if cfg.MQTT.Broker != "" {
		p, err := publish.New(m, publish.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Interval:    cfg.MQTT.Interval,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		if err := p.Connect(); err != nil {
			return err
		}
		defer p.Close()
		g.Go(func() error {
			if err := p.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	outputInfo("Serving %d devices from %s (Ctrl+C to stop)", len(m.Names()), cfg.Devices.Dir)
	return g.Wait()
}
