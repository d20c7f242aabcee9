package cli

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/antmicro/farshow/cli/output"
	"github.com/antmicro/farshow/internal"
	"github.com/antmicro/farshow/pkg/codec"
	"github.com/antmicro/farshow/pkg/fragmenter"
	"github.com/antmicro/farshow/pkg/metrics"
	"github.com/antmicro/farshow/pkg/source"
	"github.com/antmicro/farshow/pkg/udpchan"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type SendOpts struct {
	destAddr        string
	destPort        int
	bindAddr        string
	bindPort        int
	broadcast       bool
	streams         []string
	format          string
	quality         int
	pngCompression  int
	partDelayUs     int
	maxDatagramSize int
	multicastTTL    int
	source          string
	fps             int
	frames          int
	planFile        string
	dashboard       bool
}

// frameSender is the part of the fragmenter the send loop needs.
type frameSender interface {
	Send(ctx context.Context, img image.Image, stream string, opts codec.EncodeOptions) (uint32, error)
}

func SendCommand() *cobra.Command {
	var opts SendOpts

	cmd := &cobra.Command{
		Use:     "send",
		Aliases: []string{"s"},
		Short:   "Stream images to receivers",
		Long:    "Reads frames from a source, derives one image per stream and sends each as a fragmented frame.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := GetSenderConfig(cmd)
			if cfg == nil {
				return errors.New("sender config unavailable")
			}
			applySendFlags(cfg, cmd.Flags(), &opts)
			if err := cfg.Validate(); err != nil {
				return err
			}

			enc, err := encodeOptions(cfg)
			if err != nil {
				return err
			}
			plans, err := resolveStreams(cfg, cmd.Flags(), &opts, enc)
			if err != nil {
				return err
			}
			src, err := source.Open(cfg.Source, nil)
			if err != nil {
				return err
			}

			ch, err := udpchan.Listen(ctx, udpchan.Options{
				BindAddr:     cfg.BindAddr,
				Port:         cfg.BindPort,
				Broadcast:    cfg.Broadcast,
				MulticastTTL: cfg.MulticastTTL,
			})
			if err != nil {
				return err
			}
			defer ch.Close()

			dest, err := udpchan.ResolveDestination(cfg.DestAddr, cfg.DestPort)
			if err != nil {
				return err
			}

			collector := metrics.NewFrameCollector("")
			frag := fragmenter.New(ch, dest, fragmenter.Options{
				MaxDatagramSize: cfg.MaxDatagramSize,
				PartDelay:       partDelay(cfg.PartDelayUs),
				Metrics:         collector,
			})

			internal.Info("sending frames", internal.Fields{
				internal.FieldAddr:   dest.String(),
				internal.FieldFormat: string(enc.Format),
				"streams":            planNames(plans),
				"source":             cfg.Source,
				"fps":                cfg.Fps,
				"instance_id":        cfg.InstanceID,
			})

			if opts.dashboard {
				display := output.NewFrameDisplay("farshow send", collector)
				if err := display.Start(ctx); err != nil {
					internal.Warn("dashboard unavailable", internal.Fields{
						internal.FieldError: err.Error(),
					})
				}
				defer display.Stop()
			}

			sent, err := sendLoop(ctx, src, frag, plans, cfg.Fps, opts.frames)
			internal.Info("sender stopped", internal.Fields{
				"frames": sent,
			})
			if errors.Is(err, context.Canceled) || errors.Is(err, source.ErrExhausted) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.destAddr, "dest", "", "Destination address; empty with --broadcast sends to 255.255.255.255")
	cmd.Flags().IntVar(&opts.destPort, "port", internal.DefaultPort, "Destination port")
	cmd.Flags().StringVar(&opts.bindAddr, "bind", "", "Local address to send from")
	cmd.Flags().IntVar(&opts.bindPort, "bind-port", 0, "Local port to send from")
	cmd.Flags().BoolVar(&opts.broadcast, "broadcast", false, "Enable broadcast on the socket")
	cmd.Flags().StringArrayVar(&opts.streams, "stream", nil, "Stream to send as name[:variant]; repeatable (variants: identity, grayscale, blur, threshold)")
	cmd.Flags().StringVar(&opts.format, "format", "", "Image format (jpg, png, gif, bmp, tiff)")
	cmd.Flags().IntVar(&opts.quality, "quality", 0, "JPEG quality [1, 100]")
	cmd.Flags().IntVar(&opts.pngCompression, "png-compression", 0, "PNG compression [0, 9]")
	cmd.Flags().IntVar(&opts.partDelayUs, "part-delay-us", 0, "Delay between parts of one frame in microseconds; 0 disables pacing")
	cmd.Flags().IntVar(&opts.maxDatagramSize, "max-datagram-size", 0, "Largest datagram sent, header included")
	cmd.Flags().IntVar(&opts.multicastTTL, "multicast-ttl", 0, "TTL for multicast destinations")
	cmd.Flags().StringVar(&opts.source, "source", "", "Frame source: pattern, pattern:WxH, an image directory or file")
	cmd.Flags().IntVar(&opts.fps, "fps", 0, "Frames per second; 0 sends as fast as possible")
	cmd.Flags().IntVar(&opts.frames, "frames", 0, "Stop after this many source frames; 0 runs until interrupted")
	cmd.Flags().StringVar(&opts.planFile, "plan", "", "Stream plan file (yaml, json or toml) declaring streams and their encoding")
	cmd.Flags().BoolVar(&opts.dashboard, "dashboard", false, "Show live send metrics")

	return cmd
}

// applySendFlags overrides config values with the flags given explicitly.
func applySendFlags(cfg *internal.SenderConfig, flags *pflag.FlagSet, opts *SendOpts) {
	if flags.Changed("dest") {
		cfg.DestAddr = opts.destAddr
	}
	if flags.Changed("port") {
		cfg.DestPort = opts.destPort
	}
	if flags.Changed("bind") {
		cfg.BindAddr = opts.bindAddr
	}
	if flags.Changed("bind-port") {
		cfg.BindPort = opts.bindPort
	}
	if flags.Changed("broadcast") {
		cfg.Broadcast = opts.broadcast
	}
	if flags.Changed("format") {
		cfg.Format = opts.format
	}
	if flags.Changed("quality") {
		cfg.Quality = opts.quality
	}
	if flags.Changed("png-compression") {
		cfg.PngCompression = opts.pngCompression
	}
	if flags.Changed("part-delay-us") {
		cfg.PartDelayUs = opts.partDelayUs
	}
	if flags.Changed("max-datagram-size") {
		cfg.MaxDatagramSize = opts.maxDatagramSize
	}
	if flags.Changed("multicast-ttl") {
		cfg.MulticastTTL = opts.multicastTTL
	}
	if flags.Changed("source") {
		cfg.Source = opts.source
	}
	if flags.Changed("fps") {
		cfg.Fps = opts.fps
	}
	// Broadcast with no explicit destination goes to the limited broadcast address.
	if cfg.Broadcast && flags.Changed("broadcast") && !flags.Changed("dest") {
		cfg.DestAddr = "255.255.255.255"
	}
}

func parseStreams(raw []string, fallback string) ([]source.StreamSpec, error) {
	if len(raw) == 0 {
		raw = []string{fallback}
	}
	specs := make([]source.StreamSpec, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			spec, err := source.ParseStreamSpec(part)
			if err != nil {
				return nil, err
			}
			if seen[spec.Name] {
				return nil, fmt.Errorf("stream %q given twice", spec.Name)
			}
			seen[spec.Name] = true
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

func encodeOptions(cfg *internal.SenderConfig) (codec.EncodeOptions, error) {
	enc := codec.DefaultEncodeOptions()
	if strings.TrimSpace(cfg.Format) != "" {
		f, err := codec.ParseFormat(cfg.Format)
		if err != nil {
			return enc, err
		}
		enc.Format = f
	}
	if cfg.Quality != 0 {
		if cfg.Quality < 1 || cfg.Quality > 100 {
			return enc, fmt.Errorf("quality %d out of [1, 100]", cfg.Quality)
		}
		enc.Quality = cfg.Quality
	}
	if cfg.PngCompression < 0 || cfg.PngCompression > 9 {
		return enc, fmt.Errorf("png_compression %d out of [0, 9]", cfg.PngCompression)
	}
	enc.Compression = cfg.PngCompression
	return enc, nil
}

// partDelay maps the configured microseconds onto fragmenter semantics,
// where zero selects the default and a negative delay disables pacing.
func partDelay(us int) time.Duration {
	if us <= 0 {
		return -1
	}
	return time.Duration(us) * time.Microsecond
}

// resolveStreams takes the streams from the plan file when one is given,
// otherwise from --stream flags or the configured stream name. Explicit flags
// win over the plan's source and fps.
func resolveStreams(cfg *internal.SenderConfig, flags *pflag.FlagSet, opts *SendOpts, enc codec.EncodeOptions) ([]streamPlan, error) {
	if opts.planFile == "" {
		specs, err := parseStreams(opts.streams, cfg.StreamName)
		if err != nil {
			return nil, err
		}
		plans := make([]streamPlan, len(specs))
		for i, spec := range specs {
			plans[i] = streamPlan{spec: spec, enc: enc}
		}
		return plans, nil
	}
	if len(opts.streams) > 0 {
		return nil, errors.New("--stream and --plan are mutually exclusive")
	}
	doc, err := loadStreamPlanDocument(opts.planFile)
	if err != nil {
		return nil, err
	}
	if doc.Source != "" && !flags.Changed("source") {
		cfg.Source = doc.Source
	}
	if doc.Fps != nil && !flags.Changed("fps") {
		cfg.Fps = *doc.Fps
	}
	return doc.toPlans(enc)
}

func planNames(plans []streamPlan) []string {
	names := make([]string, len(plans))
	for i, p := range plans {
		names[i] = p.spec.Name
	}
	return names
}

// sendLoop pulls source frames at fps and sends every stream's variant of
// each. It returns the number of source frames sent. A send failure ends
// the loop since the channel is closed behind it.
func sendLoop(ctx context.Context, src source.Source, fs frameSender, plans []streamPlan, fps, limit int) (int, error) {
	var tick <-chan time.Time
	if fps > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		tick = ticker.C
	}

	sent := 0
	for limit <= 0 || sent < limit {
		img, err := src.Next(ctx)
		if err != nil {
			return sent, err
		}
		for _, p := range plans {
			id, err := fs.Send(ctx, p.spec.Variant.Apply(img), p.spec.Name, p.enc)
			if err != nil {
				return sent, err
			}
			if internal.DebugEnabled() {
				internal.Debug("frame sent", internal.Fields{
					internal.FieldStream:  p.spec.Name,
					internal.FieldFrameID: id,
					internal.FieldFormat:  string(p.enc.Format),
				})
			}
		}
		sent++

		if tick != nil {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-tick:
			}
		}
	}
	return sent, nil
}
