package cli

import (
	"fmt"

	"github.com/shmipc-go/shmipc/mode"
	"github.com/shmipc-go/shmipc/queue"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Operate on a SharedCircularQueue region",
	}
	cmd.AddCommand(newQueueCreateCmd())
	cmd.AddCommand(newQueueWriteCmd())
	cmd.AddCommand(newQueueReadCmd())
	return cmd
}

func newQueueCreateCmd() *cobra.Command {
	var maxElementSize, capacity uint32
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new queue region and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			h, err := queue.Create(args[0], maxElementSize, capacity, mode.ReadWrite, queue.WithLogger(log))
			if err != nil {
				return err
			}
			log.Info("created queue region",
				zap.String("name", h.Name()),
				zap.Int("max_element_size", h.MaxElementSize()),
				zap.Int("capacity", h.Capacity()))
			return h.Close()
		},
	}
	cmd.Flags().Uint32Var(&maxElementSize, "max-element-size", 256, "maximum size of one queued element")
	cmd.Flags().Uint32Var(&capacity, "capacity", 16, "number of element slots")
	return cmd
}

func newQueueWriteCmd() *cobra.Command {
	var try bool
	cmd := &cobra.Command{
		Use:   "write NAME DATA",
		Short: "Enqueue one element into an existing queue region",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			h, err := queue.Open(args[0], mode.WriteSync, queue.WithLogger(log))
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }()

			var ok bool
			if try {
				ok, err = h.TryWrite([]byte(args[1]))
			} else {
				ok, err = h.Write([]byte(args[1]))
			}
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("not written (full or closed)")
				return nil
			}
			fmt.Println("written")
			return nil
		},
	}
	cmd.Flags().BoolVar(&try, "try", false, "fail immediately instead of blocking if the queue is full")
	return cmd
}

func newQueueReadCmd() *cobra.Command {
	var try, all bool
	cmd := &cobra.Command{
		Use:   "read NAME",
		Short: "Dequeue from an existing queue region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			h, err := queue.Open(args[0], mode.ReadSync, queue.WithLogger(log))
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }()

			if all {
				for _, item := range h.DrainAll() {
					fmt.Println(string(item))
				}
				return nil
			}

			var data []byte
			var ok bool
			if try {
				data, ok = h.TryRead()
			} else {
				data, ok = h.Read()
			}
			if !ok {
				fmt.Println("(empty or closed)")
				return nil
			}
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&try, "try", false, "fail immediately instead of blocking if the queue is empty")
	cmd.Flags().BoolVar(&all, "all", false, "drain every currently queued element")
	return cmd
}
