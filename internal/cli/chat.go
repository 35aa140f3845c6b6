package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rudransh-shrivastava/ewonic/internal/audio"
	"github.com/rudransh-shrivastava/ewonic/internal/orchestrator"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
	"github.com/spf13/cobra"
)

type chatOptions struct {
	addr   string
	record string
}

var chatOpts chatOptions

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open a session and chat with nearby peers",
	Long: `Starts a session and reads lines from stdin. Plain lines are sent to every
connected peer. Commands:

  /peers              list discovered peers
  /connect <peer>     connect to a discovered peer
  /disconnect [peer]  disconnect one peer, or all
  /quit               end the session`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		n, err := openNode(ctx, cfg, log, chatOpts.addr)
		if err != nil {
			return err
		}
		defer n.Close()

		var player audio.Player = audio.NewFilePlayer(io.Discard)
		if chatOpts.record != "" {
			fp, err := audio.CreateFilePlayer(chatOpts.record)
			if err != nil {
				return err
			}
			defer fp.Close()
			player = fp
		}

		c := &chat{out: cmd.OutOrStdout(), orc: n.orc}
		mux := audio.NewMultiplexer(n.orc, player, log)
		if err := n.start(ctx, mux.Wrap(c.callbacks())); err != nil {
			return err
		}
		c.printf("* you are %s\n", n.orc.LocalID())

		return c.loop(ctx, cmd.InOrStdin())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatOpts.addr, "addr", "", "radio address to claim on the air hub (random by default)")
	chatCmd.Flags().StringVar(&chatOpts.record, "record", "", "write received audio to this file")
}

type chat struct {
	orc *orchestrator.Orchestrator

	mu  sync.Mutex
	out io.Writer
}

func (c *chat) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *chat) callbacks() orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnMessage: func(peer transport.PeerID, text string) {
			c.printf("<%s> %s\n", peer, text)
		},
		OnConnected: func(peer transport.PeerID) {
			c.printf("* connected to %s\n", peer)
		},
		OnDisconnected: func(peer transport.PeerID, reason string) {
			c.printf("* %s disconnected (%s)\n", peer, reason)
		},
		OnPeerFound: func(p transport.DiscoveredPeer) {
			c.printf("* found %s\n", p.ID)
		},
		OnPeerLost: func(peer transport.PeerID) {
			c.printf("* lost %s\n", peer)
		},
	}
}

// loop reads lines from in until EOF, /quit or ctx is done.
func (c *chat) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

type chatCommand struct {
	name string
	arg  string
}

// parseLine splits a "/command arg" line. Plain text yields name "".
func parseLine(line string) chatCommand {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return chatCommand{arg: line}
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return chatCommand{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}
}

func (c *chat) handle(ctx context.Context, line string) (quit bool) {
	cmd := parseLine(line)
	switch cmd.name {
	case "":
		if cmd.arg == "" {
			return false
		}
		if len(c.orc.Connected()) == 0 {
			c.printf("* not connected to anyone\n")
			return false
		}
		c.orc.SendMessage(cmd.arg, "")

	case "peers":
		peers := c.orc.Peers()
		if len(peers) == 0 {
			c.printf("* no peers found yet\n")
		}
		for _, p := range peers {
			c.printf("  %s  %s\n", p.ID, c.orc.ConnectionState(p.ID))
		}

	case "connect":
		if cmd.arg == "" {
			c.printf("* usage: /connect <peer>\n")
			return false
		}
		if err := c.orc.ConnectToDevice(ctx, transport.PeerID(cmd.arg)); err != nil {
			c.printf("* connect failed: %v\n", err)
		}

	case "disconnect":
		if cmd.arg == "" {
			c.orc.DisconnectAll()
		} else {
			c.orc.DisconnectPeer(transport.PeerID(cmd.arg))
		}

	case "quit", "exit":
		return true

	default:
		c.printf("* unknown command /%s\n", cmd.name)
	}
	return false
}
