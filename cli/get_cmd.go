package cli

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jgoldverg/t2hproxy/cli/output"
	"github.com/jgoldverg/t2hproxy/internal"
	"github.com/pin/tftp/v3"
	"github.com/spf13/cobra"
)

type GetOpts struct {
	Server    string
	Output    string
	BlockSize int
	TimeoutMs int
	Retries   int
}

// GetCommand downloads one file over TFTP. It is meant for checking a running
// gateway end to end, the way a PXE client would see it.
func GetCommand() *cobra.Command {
	var opts GetOpts

	cmd := &cobra.Command{
		Use:   "get <filename>",
		Short: "Fetch a file from a TFTP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[0]
			addr := opts.Server
			if addr == "" {
				cfg := GetAppConfig(cmd)
				port := internal.DefaultPort
				if cfg != nil {
					port = cfg.Port
				}
				addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
			}
			dest := opts.Output
			if dest == "" {
				dest = filepath.Base(remote)
			}

			c, err := tftp.NewClient(addr)
			if err != nil {
				return fmt.Errorf("create tftp client: %w", err)
			}
			c.SetTimeout(time.Duration(opts.TimeoutMs) * time.Millisecond)
			c.SetRetries(opts.Retries)
			if opts.BlockSize > 0 {
				c.SetBlockSize(opts.BlockSize)
			}

			internal.Debug("requesting file", internal.Fields{
				internal.FieldFile:      remote,
				internal.FieldKey("to"): addr,
			})
			wt, err := c.Receive(remote, "octet")
			if err != nil {
				return fmt.Errorf("request %s from %s: %w", remote, addr, err)
			}

			f, err := os.Create(dest)
			if err != nil {
				return err
			}
			written, err := wt.WriteTo(f)
			closeErr := f.Close()
			if err != nil {
				_ = os.Remove(dest)
				return fmt.Errorf("receive %s: %w", remote, err)
			}
			if closeErr != nil {
				return closeErr
			}

			expected, ok := int64(0), false
			if it, isIncoming := wt.(tftp.IncomingTransfer); isIncoming {
				expected, ok = it.Size()
			}
			if ok && expected != written {
				return errors.New("short transfer: announced " + strconv.FormatInt(expected, 10) + " bytes, got " + strconv.FormatInt(written, 10))
			}
			output.PrintDownloadSummary(remote, dest, written, expected, ok)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Server, "server", "s", "", "TFTP server host:port (default 127.0.0.1 on the configured port)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "Destination path (default: base name of the file)")
	cmd.Flags().IntVar(&opts.BlockSize, "blksize", 1432, "Block size to request (0 leaves it to the server)")
	cmd.Flags().IntVar(&opts.TimeoutMs, "timeout-ms", 2000, "Per packet timeout")
	cmd.Flags().IntVar(&opts.Retries, "retries", 5, "Retransmissions before giving up")
	return cmd
}
