package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rudransh-shrivastava/ewonic/internal/audio"
	"github.com/rudransh-shrivastava/ewonic/internal/config"
	"github.com/rudransh-shrivastava/ewonic/internal/orchestrator"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type streamOptions struct {
	addr    string
	peer    string
	record  string
	timeout time.Duration
}

var streamOpts streamOptions

var streamCmd = &cobra.Command{
	Use:   "stream <file>",
	Short: "Stream an audio file to a peer",
	Long: `Connects to a peer and sends the file as paced audio frames over the data
channel. Files ending in .ogg or .opus are decoded from Ogg/Opus; anything else
is read as raw 16-bit PCM at the configured sample rate.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		capture, size, err := openCapture(args[0], cfg.Audio)
		if err != nil {
			return err
		}
		defer capture.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		n, err := openNode(ctx, cfg, log, streamOpts.addr)
		if err != nil {
			return err
		}
		defer n.Close()

		var player audio.Player = audio.NewFilePlayer(io.Discard)
		if streamOpts.record != "" {
			fp, err := audio.CreateFilePlayer(streamOpts.record)
			if err != nil {
				return err
			}
			defer fp.Close()
			player = fp
		}

		w := newWaiter()
		mux := audio.NewMultiplexer(n.orc, player, log)
		if err := n.start(ctx, mux.Wrap(w.callbacks())); err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx, streamOpts.timeout)
		defer cancel()
		peer, err := w.connect(waitCtx, n.orc, transport.PeerID(streamOpts.peer))
		if err != nil {
			return err
		}
		log.Infof("Streaming %s to %s", filepath.Base(args[0]), peer)

		bar := progressbar.DefaultBytes(size, "streaming")
		frames, err := mux.Pump(ctx, capture, peer, func(n int) { _ = bar.Add(n) })
		_ = bar.Finish()

		sent, received := mux.Stats()
		log.Infof("Sent %d frames (%d total), received %d", frames, sent, received)
		return err
	},
}

func init() {
	streamCmd.Flags().StringVar(&streamOpts.addr, "addr", "", "radio address to claim on the air hub (random by default)")
	streamCmd.Flags().StringVarP(&streamOpts.peer, "peer", "p", "", "peer to stream to (first peer found by default)")
	streamCmd.Flags().StringVar(&streamOpts.record, "record", "", "write audio received during the stream to this file")
	streamCmd.Flags().DurationVar(&streamOpts.timeout, "wait", time.Minute, "how long to wait for a connection")
}

type captureCloser interface {
	audio.Capture
	Close() error
}

// openCapture picks a capture by extension. size is -1 when unknown.
func openCapture(path string, cfg config.AudioConfig) (captureCloser, int64, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ogg", ".opus":
		c, err := audio.OpenOpusCapture(path)
		return c, -1, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	c, err := audio.OpenFileCapture(path, cfg)
	return c, info.Size(), err
}

// waiter turns session callbacks into channels for the stream command.
type waiter struct {
	found     chan transport.PeerID
	connected chan transport.PeerID
}

func newWaiter() *waiter {
	return &waiter{
		found:     make(chan transport.PeerID, 16),
		connected: make(chan transport.PeerID, 16),
	}
}

func (w *waiter) callbacks() orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnPeerFound: func(p transport.DiscoveredPeer) {
			select {
			case w.found <- p.ID:
			default:
			}
		},
		OnConnected: func(peer transport.PeerID) {
			select {
			case w.connected <- peer:
			default:
			}
		},
	}
}

// connect dials target once it is found, or the first peer found when
// target is empty. A peer connecting to us first is accepted too.
func (w *waiter) connect(ctx context.Context, orc *orchestrator.Orchestrator, target transport.PeerID) (transport.PeerID, error) {
	dialed := false
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no peer connected: %w", ctx.Err())

		case peer := <-w.connected:
			if target == "" || peer == target {
				return peer, nil
			}

		case peer := <-w.found:
			if dialed || (target != "" && peer != target) {
				continue
			}
			if err := orc.ConnectToDevice(ctx, peer); err != nil {
				return "", err
			}
			dialed = true
		}
	}
}
