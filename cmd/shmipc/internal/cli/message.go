package cli

import (
	"fmt"

	"github.com/shmipc-go/shmipc/message"
	"github.com/shmipc-go/shmipc/mode"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Operate on a SharedMessage region",
	}
	cmd.AddCommand(newMessageCreateCmd())
	cmd.AddCommand(newMessageWriteCmd())
	cmd.AddCommand(newMessageReadCmd())
	return cmd
}

func newMessageCreateCmd() *cobra.Command {
	var maxSize uint64
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new message region and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			h, err := message.Create(args[0], maxSize, mode.ReadWrite, message.NoWait(), message.WithLogger(log))
			if err != nil {
				return err
			}
			log.Info("created message region", zap.String("name", h.Name()), zap.Int("max_payload_size", h.MaxPayloadSize()))
			return h.Close()
		},
	}
	cmd.Flags().Uint64Var(&maxSize, "max-size", 4096, "maximum payload size in bytes")
	return cmd
}

func newMessageWriteCmd() *cobra.Command {
	var waitAll bool
	var waitCount uint32
	cmd := &cobra.Command{
		Use:   "write NAME DATA",
		Short: "Write one payload to an existing message region",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			policy := message.NoWait()
			switch {
			case waitAll:
				policy = message.WaitForAll()
			case waitCount > 0:
				policy = message.WaitForCount(waitCount)
			}

			h, err := message.Open(args[0], mode.WriteSync, policy, message.WithLogger(log))
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }()

			v, err := h.Write([]byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("wrote version %d\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&waitAll, "wait-all", false, "wait for every current reader before overwriting")
	cmd.Flags().Uint32Var(&waitCount, "wait-count", 0, "wait for this many readers before overwriting")
	return cmd
}

func newMessageReadCmd() *cobra.Command {
	var block bool
	cmd := &cobra.Command{
		Use:   "read NAME",
		Short: "Read the current payload from an existing message region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			h, err := message.Open(args[0], mode.ReadSync, message.NoWait(), message.WithLogger(log))
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }()

			data, ok := h.Read(block)
			if !ok {
				fmt.Println("(closed, no new value)")
				return nil
			}
			fmt.Printf("version %d: %s\n", h.LastReadVersion(), string(data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&block, "block", false, "block until a new version is available")
	return cmd
}
