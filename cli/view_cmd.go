package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/antmicro/farshow/cli/output"
	"github.com/antmicro/farshow/internal"
	"github.com/antmicro/farshow/pkg/adminrpc"
	"github.com/antmicro/farshow/pkg/events"
	"github.com/antmicro/farshow/pkg/framestore"
	"github.com/antmicro/farshow/pkg/framewire"
	"github.com/antmicro/farshow/pkg/metrics"
	"github.com/antmicro/farshow/pkg/reassembly"
	"github.com/antmicro/farshow/pkg/receiver"
	"github.com/antmicro/farshow/pkg/snapshot"
	"github.com/antmicro/farshow/pkg/udpchan"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const streamHealthInterval = time.Second

type ViewOpts struct {
	bindAddr        string
	port            int
	maxDatagramSize int
	wrapThreshold   uint32
	restartAfter    uint32
	workers         int
	multicastGroup  string
	httpAddr        string
	grpcAddr        string
	mqttBroker      string
	saveDir         string
	staleAfter      time.Duration
	dashboard       bool
}

func ViewCommand() *cobra.Command {
	var opts ViewOpts

	cmd := &cobra.Command{
		Use:     "view",
		Aliases: []string{"v", "recv"},
		Short:   "Receive and reassemble frames",
		Long:    "Listens for frame parts, keeps the newest complete frame of every stream and serves them over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := GetReceiverConfig(cmd)
			if cfg == nil {
				return errors.New("receiver config unavailable")
			}
			applyViewFlags(cfg, cmd.Flags(), &opts)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runViewer(ctx, cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.bindAddr, "bind", "", "Local address to listen on")
	cmd.Flags().IntVar(&opts.port, "port", internal.DefaultPort, "UDP port to listen on")
	cmd.Flags().IntVar(&opts.maxDatagramSize, "max-datagram-size", 0, "Sender datagram limit; part capacity derives from it")
	cmd.Flags().Uint32Var(&opts.wrapThreshold, "wrap-threshold", 0, "Frame id gap treated as wraparound")
	cmd.Flags().Uint32Var(&opts.restartAfter, "restart-after", 0, "Old frame ids in a row after which a stream is treated as restarted; 0 never resets")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Reassembly workers; above 1 moves reassembly off the read loop")
	cmd.Flags().StringVar(&opts.multicastGroup, "multicast-group", "", "Multicast group to join")
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", "", "Snapshot HTTP address; empty disables")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc-addr", "", "Admin gRPC health address; empty disables")
	cmd.Flags().StringVar(&opts.mqttBroker, "mqtt-broker", "", "MQTT broker for frame events; empty disables")
	cmd.Flags().StringVar(&opts.saveDir, "save-dir", "", "Write the latest frame of every stream into this directory")
	cmd.Flags().DurationVar(&opts.staleAfter, "stale-after", 5*time.Second, "Stream health turns NOT_SERVING after this long without a frame")
	cmd.Flags().BoolVar(&opts.dashboard, "dashboard", true, "Show live stream table")

	return cmd
}

func applyViewFlags(cfg *internal.ReceiverConfig, flags *pflag.FlagSet, opts *ViewOpts) {
	if flags.Changed("bind") {
		cfg.BindAddr = opts.bindAddr
	}
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("max-datagram-size") {
		cfg.MaxDatagramSize = opts.maxDatagramSize
	}
	if flags.Changed("wrap-threshold") {
		cfg.WrapThreshold = opts.wrapThreshold
	}
	if flags.Changed("restart-after") {
		cfg.RestartAfter = opts.restartAfter
	}
	if flags.Changed("workers") {
		cfg.Workers = opts.workers
	}
	if flags.Changed("multicast-group") {
		cfg.MulticastGroup = opts.multicastGroup
	}
	if flags.Changed("http-addr") {
		cfg.HTTPAddr = opts.httpAddr
	}
	if flags.Changed("grpc-addr") {
		cfg.GRPCAddr = opts.grpcAddr
	}
	if flags.Changed("mqtt-broker") {
		cfg.MqttBroker = opts.mqttBroker
	}
}

func runViewer(ctx context.Context, cfg *internal.ReceiverConfig, opts ViewOpts) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	collector := metrics.NewFrameCollector("")
	ordering := framewire.NewOrdering(cfg.WrapThreshold)
	asm := reassembly.New(reassembly.Options{
		MaxDatagramSize: cfg.MaxDatagramSize,
		WrapThreshold:   cfg.WrapThreshold,
		MaxParts:        uint32(cfg.MaxParts),
		RestartAfter:    cfg.RestartAfter,
		Metrics:         collector,
	})
	store := framestore.New().WithOrdering(ordering)
	renderers := []receiver.Renderer{store}

	if opts.saveDir != "" {
		if err := os.MkdirAll(opts.saveDir, 0o755); err != nil {
			return fmt.Errorf("create save dir: %w", err)
		}
		renderers = append(renderers, saveRenderer(opts.saveDir, ordering))
	}

	if cfg.MqttBroker != "" {
		pub := events.NewPublisher(events.Config{
			Broker:      cfg.MqttBroker,
			ReceiverID:  cfg.ReceiverID,
			TopicPrefix: cfg.MqttTopicPrefix,
		})
		if err := pub.Connect(ctx); err != nil {
			internal.Warn("frame events disabled", internal.Fields{
				internal.FieldAddr:  cfg.MqttBroker,
				internal.FieldError: err.Error(),
			})
		} else {
			defer pub.Close()
			renderers = append(renderers, pub)
		}
	}

	ch, err := udpchan.Listen(ctx, udpchan.Options{
		BindAddr:          cfg.BindAddr,
		Port:              cfg.Port,
		ReuseAddr:         true,
		ReadBufferSize:    cfg.ReadBufferSize,
		MulticastGroup:    cfg.MulticastGroup,
		MulticastLoopback: true,
	})
	if err != nil {
		return err
	}

	rx := receiver.New(ch, asm, receiver.Options{
		MaxDatagramSize: cfg.MaxDatagramSize,
		Workers:         cfg.Workers,
		QueueDepth:      cfg.QueueDepth,
		Metrics:         collector,
	}, renderers...)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	if cfg.HTTPAddr != "" {
		srv := snapshot.New(store, collector, snapshot.Options{
			WaitTimeout: time.Duration(cfg.FrameWaitTimeoutMs) * time.Millisecond,
		})
		spawn("snapshot http", func() error { return srv.Run(ctx, cfg.HTTPAddr) })
	}

	var admin *adminrpc.Server
	if cfg.GRPCAddr != "" {
		admin = adminrpc.New()
		spawn("admin grpc", func() error { return admin.Run(ctx, cfg.GRPCAddr) })
		wg.Add(1)
		go func() {
			defer wg.Done()
			admin.TrackStreams(ctx, store, streamHealthInterval, opts.staleAfter)
		}()
		admin.SetReceiverServing(true)
	}

	if opts.dashboard {
		display := output.NewFrameDisplay("farshow view", collector)
		if err := display.Start(ctx); err != nil {
			internal.Warn("dashboard unavailable", internal.Fields{
				internal.FieldError: err.Error(),
			})
		}
		defer display.Stop()
	}

	internal.Info("viewer listening", internal.Fields{
		internal.FieldAddr: ch.LocalAddr().String(),
		"receiver_id":      cfg.ReceiverID,
	})

	runErr := rx.Run(ctx)
	if admin != nil {
		admin.SetReceiverServing(false)
	}
	cancel()
	wg.Wait()
	close(errCh)

	errs := []error{runErr}
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// saveRenderer overwrites dir/<stream>.<format> with every completed frame
// newer than the last one saved for the stream.
func saveRenderer(dir string, ordering framewire.Ordering) receiver.RendererFunc {
	var mu sync.Mutex
	saved := make(map[string]*reassembly.CompletedFrame)
	return func(frame *reassembly.CompletedFrame) {
		mu.Lock()
		defer mu.Unlock()
		if !frame.Newer(saved[frame.Stream], ordering) {
			return
		}
		path := filepath.Join(dir, fileSafe(frame.Stream)+"."+string(frame.Format))
		if err := writeAtomic(dir, path, frame.Data); err != nil {
			fields := internal.FrameFields(frame.Stream, frame.FrameID)
			fields[internal.FieldError] = err.Error()
			internal.WarnEvery("save/"+frame.Stream, time.Second, "frame not saved", fields)
			return
		}
		saved[frame.Stream] = frame
	}
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".farshow-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var unsafeName = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

// fileSafe keeps a stream name from escaping the save directory.
func fileSafe(stream string) string {
	return unsafeName.Replace(stream)
}
