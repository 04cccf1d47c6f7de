package main

import (
	"context"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"hen/config"
	"hen/message"
	"hen/transport"
)

type callFlags struct {
	addr    string
	timeout time.Duration
	tls     bool
	caFile  string
}

func (f *callFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:7000", "daemon address")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "call timeout")
	cmd.Flags().BoolVar(&f.tls, "tls", false, "connect with TLS")
	cmd.Flags().StringVar(&f.caFile, "ca", "", "CA file verifying the daemon (system roots when empty)")
}

func (f *callFlags) dial(ctx context.Context) (*transport.Endpoint, error) {
	tc := config.TLS{CAFile: f.caFile}
	tlsConfig, err := tc.ClientConfig()
	if err != nil {
		return nil, err
	}
	if !f.tls {
		tlsConfig = nil
	}
	return transport.Dial(ctx, f.addr, tlsConfig)
}

// invoke runs one call and returns the reply's data.
func (f *callFlags) invoke(method string, args json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	ep, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer ep.Close()

	var payload []byte
	if len(args) > 0 {
		payload, err = message.Encode(args)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	reply, err := ep.Call(ctx, method, payload)
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	env, err := message.Open(reply.Payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(env.Data), nil
}

func newCall() *cobra.Command {
	var flags callFlags
	cmd := &cobra.Command{
		Use:   "call <method> [json-args]",
		Short: "Call a method on a daemon and print the result",
		Example: `  hend call --addr 127.0.0.1:7001 login '{"user":"alice","password":"pw"}'
  hend call --addr 127.0.0.1:7004 nodeStatus '{"node":"n1"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return errors.NotValidf("arguments %q", args[1])
				}
				raw = json.RawMessage(args[1])
			}
			cmd.SilenceUsage = true
			data, err := flags.invoke(args[0], raw)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return nil
			}
			var pretty any
			if err := json.Unmarshal(data, &pretty); err != nil {
				return errors.Trace(err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(pretty)
		},
	}
	flags.register(cmd)
	return cmd
}

func newStop() *cobra.Command {
	var flags callFlags
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a daemon to shut down gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			if _, err := flags.invoke("stopDaemon", nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is shutting down\n", flags.addr)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
