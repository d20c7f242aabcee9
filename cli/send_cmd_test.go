package cli

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/antmicro/farshow/internal"
	"github.com/antmicro/farshow/pkg/codec"
	"github.com/antmicro/farshow/pkg/source"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	stream string
	format codec.Format
	gray   bool
}

type recordingSender struct {
	frames []sentFrame
	failAt int
}

func (r *recordingSender) Send(_ context.Context, img image.Image, stream string, opts codec.EncodeOptions) (uint32, error) {
	if r.failAt > 0 && len(r.frames)+1 == r.failAt {
		return 0, errors.New("socket closed")
	}
	_, gray := img.(*image.Gray)
	r.frames = append(r.frames, sentFrame{stream: stream, format: opts.Format, gray: gray})
	return uint32(len(r.frames) - 1), nil
}

func TestSendLoopSendsEveryStreamPerFrame(t *testing.T) {
	jpeg := codec.DefaultEncodeOptions()
	png := jpeg
	png.Format = codec.FormatPNG
	plans := []streamPlan{
		{spec: source.StreamSpec{Name: "input", Variant: source.Identity}, enc: jpeg},
		{spec: source.StreamSpec{Name: "mono", Variant: source.Grayscale}, enc: png},
	}
	rec := &recordingSender{}

	sent, err := sendLoop(t.Context(), source.NewPattern(16, 16), rec, plans, 0, 3)
	require.NoError(t, err)
	require.Equal(t, 3, sent)
	require.Len(t, rec.frames, 6)
	for i := 0; i < 6; i += 2 {
		require.Equal(t, sentFrame{stream: "input", format: codec.FormatJPEG}, rec.frames[i])
		require.Equal(t, sentFrame{stream: "mono", format: codec.FormatPNG, gray: true}, rec.frames[i+1])
	}
}

func TestSendLoopStopsOnSendFailure(t *testing.T) {
	plans := []streamPlan{{spec: source.StreamSpec{Name: "a"}, enc: codec.DefaultEncodeOptions()}}
	rec := &recordingSender{failAt: 2}

	sent, err := sendLoop(t.Context(), source.NewPattern(8, 8), rec, plans, 0, 0)
	require.EqualError(t, err, "socket closed")
	require.Equal(t, 1, sent)
}

func TestSendLoopHonoursFpsAndCancel(t *testing.T) {
	plans := []streamPlan{{spec: source.StreamSpec{Name: "a"}, enc: codec.DefaultEncodeOptions()}}
	ctx, cancel := context.WithTimeout(t.Context(), 120*time.Millisecond)
	defer cancel()

	rec := &recordingSender{}
	sent, err := sendLoop(ctx, source.NewPattern(8, 8), rec, plans, 20, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	// 20 fps for ~120ms paces the loop to a handful of frames.
	require.GreaterOrEqual(t, sent, 1)
	require.LessOrEqual(t, sent, 4)
}

func TestParseStreams(t *testing.T) {
	specs, err := parseStreams(nil, "input")
	require.NoError(t, err)
	require.Equal(t, []source.StreamSpec{{Name: "input", Variant: source.Identity}}, specs)

	specs, err = parseStreams([]string{"input,blur", "edges:threshold"}, "ignored")
	require.NoError(t, err)
	require.Equal(t, []source.StreamSpec{
		{Name: "input", Variant: source.Identity},
		{Name: "blur", Variant: source.Blur},
		{Name: "edges", Variant: source.Threshold},
	}, specs)

	_, err = parseStreams([]string{"a", "a:blur"}, "")
	require.Error(t, err)
}

func TestSendFlagsOverrideConfig(t *testing.T) {
	cmd := SendCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--dest", "10.0.0.7", "--fps", "0", "--part-delay-us", "0", "--format", "png"}))

	cfg := &internal.SenderConfig{DestAddr: "127.0.0.1", DestPort: 1100, Fps: 15, PartDelayUs: 500, Format: "jpg", Quality: 95}
	opts := SendOpts{}
	opts.destAddr, _ = cmd.Flags().GetString("dest")
	opts.fps, _ = cmd.Flags().GetInt("fps")
	opts.partDelayUs, _ = cmd.Flags().GetInt("part-delay-us")
	opts.format, _ = cmd.Flags().GetString("format")
	applySendFlags(cfg, cmd.Flags(), &opts)

	require.Equal(t, "10.0.0.7", cfg.DestAddr)
	require.Equal(t, 1100, cfg.DestPort)
	require.Zero(t, cfg.Fps)
	require.Zero(t, cfg.PartDelayUs)
	require.Equal(t, "png", cfg.Format)
	require.Equal(t, 95, cfg.Quality)
}

func TestEncodeOptionsAndPartDelay(t *testing.T) {
	enc, err := encodeOptions(&internal.SenderConfig{Format: "png", Quality: 80, PngCompression: 9})
	require.NoError(t, err)
	require.Equal(t, codec.EncodeOptions{Format: codec.FormatPNG, Quality: 80, Compression: 9}, enc)

	_, err = encodeOptions(&internal.SenderConfig{Format: "jpg", Quality: 101})
	require.Error(t, err)
	_, err = encodeOptions(&internal.SenderConfig{Format: "xcf"})
	require.Error(t, err)

	require.Equal(t, 500*time.Microsecond, partDelay(500))
	require.Negative(t, partDelay(0))
}
