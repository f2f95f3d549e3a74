package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var (
	flagViewer string
	flagJuror  bool
)

var disputeCmd = &cobra.Command{
	Use:   "dispute <arbitrator> <id>",
	Short: "print the aggregated view of a dispute",
	Args:  cobra.ExactArgs(2),
	RunE:  runDispute,
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "print the current stateful notifications of a viewer",
	Args:  cobra.NoArgs,
	RunE:  runNotifications,
}

func init() {
	disputeCmd.Flags().StringVar(&flagViewer, "viewer", "", "viewer account")
	_ = disputeCmd.MarkFlagRequired("viewer")

	notificationsCmd.Flags().StringVar(&flagViewer, "viewer", "", "viewer account")
	notificationsCmd.Flags().BoolVar(&flagJuror, "juror", false, "evaluate juror notifications")
	_ = notificationsCmd.MarkFlagRequired("viewer")
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", name, s)
	}
	return common.HexToAddress(s), nil
}

func runDispute(cmd *cobra.Command, args []string) error {
	arbitrator, err := parseAddress("arbitrator", args[0])
	if err != nil {
		return err
	}
	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("dispute id %q: %w", args[1], err)
	}
	viewer, err := parseAddress("viewer", flagViewer)
	if err != nil {
		return err
	}
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStack(cmd.Context(), conf)
	if err != nil {
		return err
	}
	defer s.Close()

	view, err := s.syncer.GetDisputeView(cmd.Context(), arbitrator, id, viewer)
	if err != nil {
		return err
	}
	return printJSON(cmd, view)
}

func runNotifications(cmd *cobra.Command, _ []string) error {
	viewer, err := parseAddress("viewer", flagViewer)
	if err != nil {
		return err
	}
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStack(cmd.Context(), conf)
	if err != nil {
		return err
	}
	defer s.Close()

	out, err := s.syncer.GetStatefulNotifications(cmd.Context(), viewer, flagJuror)
	if err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
