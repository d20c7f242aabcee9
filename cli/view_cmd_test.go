package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/antmicro/farshow/internal"
	"github.com/antmicro/farshow/pkg/codec"
	"github.com/antmicro/farshow/pkg/framewire"
	"github.com/antmicro/farshow/pkg/reassembly"
	"github.com/stretchr/testify/require"
)

func TestViewFlagsOverrideConfig(t *testing.T) {
	cmd := ViewCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--workers", "4", "--restart-after", "0", "--http-addr", ""}))

	cfg := &internal.ReceiverConfig{Port: 1100, Workers: 1, RestartAfter: 64, HTTPAddr: ":8090", GRPCAddr: ":9090"}
	opts := ViewOpts{}
	opts.workers, _ = cmd.Flags().GetInt("workers")
	opts.restartAfter, _ = cmd.Flags().GetUint32("restart-after")
	opts.httpAddr, _ = cmd.Flags().GetString("http-addr")
	applyViewFlags(cfg, cmd.Flags(), &opts)

	require.Equal(t, 4, cfg.Workers)
	require.Zero(t, cfg.RestartAfter)
	require.Empty(t, cfg.HTTPAddr)
	require.Equal(t, ":9090", cfg.GRPCAddr)
	require.Equal(t, 1100, cfg.Port)
}

func TestSaveRendererWritesLatestFrame(t *testing.T) {
	dir := t.TempDir()
	render := saveRenderer(dir, framewire.NewOrdering(0))

	render(&reassembly.CompletedFrame{Stream: "cam", FrameID: 1, Format: codec.FormatJPEG, Data: []byte("first")})
	render(&reassembly.CompletedFrame{Stream: "cam", FrameID: 3, Format: codec.FormatJPEG, Data: []byte("third")})
	render(&reassembly.CompletedFrame{Stream: "cam", FrameID: 2, Format: codec.FormatJPEG, Data: []byte("second")})
	render(&reassembly.CompletedFrame{Stream: "../escape", Format: codec.FormatPNG, Data: []byte("x")})

	data, err := os.ReadFile(filepath.Join(dir, "cam.jpeg"))
	require.NoError(t, err)
	require.Equal(t, "third", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, []string{"cam.jpeg", "__escape.png"}, names)
}

func TestSaveRendererConcurrentWorkers(t *testing.T) {
	dir := t.TempDir()
	render := saveRenderer(dir, framewire.NewOrdering(0))

	var wg sync.WaitGroup
	for id := uint32(1); id <= 64; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			render(&reassembly.CompletedFrame{
				Stream:  "cam",
				FrameID: id,
				Format:  codec.FormatPNG,
				Data:    bytes.Repeat([]byte{byte(id)}, 4096),
			})
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(dir, "cam.png"))
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{64}, 4096), data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
