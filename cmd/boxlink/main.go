package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/TheusHen/boxlink/boxlink"
	"github.com/TheusHen/boxlink/boxlink/box"
	"github.com/TheusHen/boxlink/boxlink/keystore"
	"github.com/TheusHen/boxlink/boxlink/logging"
	"github.com/TheusHen/boxlink/boxlink/metrics"
	"github.com/TheusHen/boxlink/boxlink/nonce"
	"github.com/TheusHen/boxlink/boxlink/transport/quic"
)

func defaultKeyFile() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".boxlink", "node.json")
}

var rootCmd = &cobra.Command{
	Use:   "boxlink",
	Short: "Authenticated-encryption envelopes between small nodes.",
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node keypair and key file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("key")
		node, _ := cmd.Flags().GetUint8("node")
		force, _ := cmd.Flags().GetBool("force")

		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("key file %s exists, use --force to overwrite", path)
		}
		kp, err := box.NaCl{}.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := keystore.NewFile(node, kp).Save(path); err != nil {
			return err
		}
		fmt.Printf("node       : %d\n", node)
		fmt.Printf("public key : %s\n", keystore.EncodeKey(kp.Public))
		fmt.Printf("saved to   : %s\n", path)
		return nil
	},
}

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Manage the peer table",
}

var peerAddCmd = &cobra.Command{
	Use:   "add <public-key>",
	Short: "Add or replace a peer slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("key")
		slot, _ := cmd.Flags().GetInt("slot")
		node, _ := cmd.Flags().GetUint8("node")
		addr, _ := cmd.Flags().GetString("addr")
		priv, _ := cmd.Flags().GetString("privilege")

		if _, err := keystore.DecodeKey(args[0]); err != nil {
			return err
		}
		privilege, err := parsePrivilege(priv)
		if err != nil {
			return err
		}
		f, err := keystore.LoadFile(path)
		if err != nil {
			return err
		}
		f.AddPeer(keystore.FilePeer{Slot: slot, Node: node, Public: args[0], Privilege: privilege, Addr: addr})
		if _, err := f.PeerConfigs(keystore.DefaultSlots); err != nil {
			return err
		}
		if err := f.Save(path); err != nil {
			return err
		}
		fmt.Printf("slot %d -> node %d (%s)\n", slot, node, privilege)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer echo requests from configured peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		metricsAddr, _ := cmd.Flags().GetString("metrics")
		replay, _ := cmd.Flags().GetBool("replay-window")
		priv, _ := cmd.Flags().GetString("require")

		privilege, err := parsePrivilege(priv)
		if err != nil {
			return err
		}
		n, f, err := openNode(cmd, counterReserve, func(c *boxlink.Config) {
			c.ReplayWindow = replay
			c.RequiredPrivilege = privilege
		})
		if err != nil {
			return err
		}
		defer checkpoint(cmd, n, f)
		logger := n.Logger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if metricsAddr != "" {
			reg := prometheus.NewRegistry()
			if err := metrics.Register(reg, n.Protocol().Stats()); err != nil {
				return err
			}
			srv := &http.Server{Addr: metricsAddr, Handler: metrics.NewRouter(reg, n.Protocol().Stats())}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error(fmt.Sprintf(`metrics server failed - %v`, err))
				}
			}()
			defer srv.Close()
		}

		ln, err := n.Listen(listen)
		if err != nil {
			return err
		}
		defer ln.Close()
		logger.Info(fmt.Sprintf(`node %d serving on %s`, f.Node, ln.Addr()))
		return n.Serve(ctx, ln)
	},
}

var echoCmd = &cobra.Command{
	Use:   "echo [message]",
	Short: "Send an encrypted echo request to a peer and report the round trip",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, _ := cmd.Flags().GetInt("slot")
		addr, _ := cmd.Flags().GetString("addr")
		count, _ := cmd.Flags().GetInt("count")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		if count < 1 {
			return fmt.Errorf("--count must be positive")
		}
		msg := "PING"
		if len(args) == 1 {
			msg = args[0]
		}
		n, f, err := openNode(cmd, uint64(count), nil)
		if err != nil {
			return err
		}
		if addr == "" {
			for _, p := range f.Peers {
				if p.Slot == slot {
					addr = p.Addr
				}
			}
		}
		if addr == "" {
			return fmt.Errorf("no address for slot %d, use --addr", slot)
		}
		defer checkpoint(cmd, n, f)

		for i := 0; i < count; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			rtt, reply, err := n.Echo(ctx, addr, slot, []byte(msg))
			cancel()
			if err != nil {
				return err
			}
			fmt.Printf("%d bytes from slot %d: %q time=%v\n", len(reply), slot, reply, rtt)
		}
		return nil
	},
}

// counterReserve is the minimum number of send counters claimed on disk per
// slot before a node starts sending.
const counterReserve = 16

// openNode loads the key file and builds a node on the QUIC transport.
// Slots whose keys fail to derive are reported and left unusable.
func openNode(cmd *cobra.Command, reserve uint64, configure func(*boxlink.Config)) (*boxlink.Node, *keystore.File, error) {
	path, _ := cmd.Flags().GetString("key")
	level, _ := cmd.Flags().GetString("log-level")
	compress, _ := cmd.Flags().GetBool("compress")
	wide, _ := cmd.Flags().GetBool("wide-nonce")

	logger := logging.New(level)
	f, err := keystore.LoadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load key file (run 'boxlink keygen' first): %w", err)
	}
	opts := keystore.Options{MaxCounter: nonce.Compact.MaxCounter()}
	codec := nonce.Compact
	if wide {
		opts.MaxCounter = 0
		codec = nonce.Wide
	}
	keys, err := f.Open(box.NaCl{}, opts)
	if keys == nil {
		return nil, nil, err
	}
	if err != nil {
		logger.Warn(fmt.Sprintf(`some peer slots are unusable - %v`, err))
	}
	if err := f.Resume(keys); err != nil {
		return nil, nil, err
	}
	f.Reserve(keys, max(reserve, counterReserve))
	if err := f.Save(path); err != nil {
		return nil, nil, err
	}

	cfg := boxlink.Config{
		Node:     f.Node,
		Compress: compress,
		Codec:    codec,
		Logger:   logger,
	}
	if configure != nil {
		configure(&cfg)
	}
	pub, err := keys.LocalPublic()
	if err != nil {
		return nil, nil, err
	}
	tr := quic.Transport{IdleTimeout: 30 * time.Second, Identity: quic.Identity{Public: pub}}
	return boxlink.NewNode(keys, tr, cfg), f, nil
}

// checkpoint writes the counters actually used back to the key file.
func checkpoint(cmd *cobra.Command, n *boxlink.Node, f *keystore.File) {
	path, _ := cmd.Flags().GetString("key")
	f.Checkpoint(n.Keys())
	if err := f.Save(path); err != nil {
		n.Logger().Error(fmt.Sprintf(`saving counters failed - %v`, err))
	}
}

func parsePrivilege(s string) (keystore.Privilege, error) {
	for _, p := range []keystore.Privilege{
		keystore.PrivilegeNone,
		keystore.PrivilegeUser,
		keystore.PrivilegeOperator,
		keystore.PrivilegeAdmin,
	} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown privilege %q", s)
}

func init() {
	rootCmd.PersistentFlags().String("key", defaultKeyFile(), "Key file")
	rootCmd.PersistentFlags().String("log-level", "INFO", "Log level (FATAL, ERROR, WARN, INFO, DEBUG, TRACE)")

	keygenCmd.Flags().Uint8("node", 1, "Node id carried in every frame")
	keygenCmd.Flags().Bool("force", false, "Overwrite an existing key file")

	peerAddCmd.Flags().Int("slot", 0, "Peer slot")
	peerAddCmd.Flags().Uint8("node", 0, "Peer node id")
	peerAddCmd.Flags().String("addr", "", "Peer QUIC address (host:port)")
	peerAddCmd.Flags().String("privilege", "user", "Peer privilege (none, user, operator, admin)")
	peerCmd.AddCommand(peerAddCmd)

	for _, cmd := range []*cobra.Command{serveCmd, echoCmd} {
		cmd.Flags().Bool("compress", false, "LZ4-compress payloads that shrink")
		cmd.Flags().Bool("wide-nonce", false, "Use 64-bit nonce counters instead of the 8-bit compact layout")
	}
	serveCmd.Flags().String("listen", "0.0.0.0:4420", "QUIC listen address")
	serveCmd.Flags().String("metrics", "", "HTTP address for /metrics and /stats (empty disables)")
	serveCmd.Flags().Bool("replay-window", false, "Drop envelopes whose counter was already seen")
	serveCmd.Flags().String("require", "user", "Minimum peer privilege for delivery")

	echoCmd.Flags().Int("slot", 0, "Peer slot")
	echoCmd.Flags().String("addr", "", "Peer address (defaults to the key file entry)")
	echoCmd.Flags().Int("count", 1, "Number of requests")
	echoCmd.Flags().Duration("timeout", 5*time.Second, "Per-request timeout")

	rootCmd.AddCommand(keygenCmd, peerCmd, serveCmd, echoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
