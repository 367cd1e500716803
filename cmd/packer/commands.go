package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/internal/session"
)

var (
	orderID    string
	workerID   string
	supervisor bool
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Claim an order and verify it item by item",
	Long: `Opens a packing session for the order. Each line read from stdin is a
scan unless it starts with one of the station commands (type "help").`,
	RunE: runPack,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow an order read-only until it is packed",
	RunE:  runWatch,
}

func init() {
	packCmd.Flags().StringVar(&orderID, "order", "", "order id")
	packCmd.Flags().StringVar(&workerID, "worker", "", "your worker id")
	packCmd.Flags().BoolVar(&supervisor, "supervisor", false, "open orders claimed by others read-only")
	_ = packCmd.MarkFlagRequired("order")
	_ = packCmd.MarkFlagRequired("worker")

	watchCmd.Flags().StringVar(&orderID, "order", "", "order id")
	_ = watchCmd.MarkFlagRequired("order")
}

func runPack(cmd *cobra.Command, args []string) error {
	d, err := loadDeps()
	if err != nil {
		return err
	}
	defer d.log.Sync()

	ctx := cmd.Context()
	sess := session.New(ctx, session.Options{
		OrderID:     orderID,
		Identity:    engine.Identity{WorkerID: workerID, Supervisor: supervisor},
		Backend:     d.client,
		Watcher:     d.watcher,
		Finalizer:   d.finalizer,
		Logger:      d.log,
		CallTimeout: d.cfg.Timeout,
	})
	defer sess.Close()

	st := newStation(sess, d.finalizer, orderID, os.Stdout)
	stop := st.follow(uuid.NewString())
	defer stop()

	if err := sess.AwaitReady(ctx); err != nil {
		st.printf("cannot pack %s: %v\n", orderID, err)
		st.printf("type \"retry\" to claim again or \"quit\" to leave\n")
	}
	return st.run(ctx, os.Stdin)
}

func runWatch(cmd *cobra.Command, args []string) error {
	d, err := loadDeps()
	if err != nil {
		return err
	}
	defer d.log.Sync()

	d.log.Debug("watching order", zap.String("order_id", orderID), zap.String("mode", d.cfg.ViewMode))
	err = d.watcher.Watch(cmd.Context(), orderID, func(o engine.Order) {
		fmt.Fprint(os.Stdout, renderOrder(o, -1))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
