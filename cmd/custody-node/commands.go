package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodia-mpc/custodia/pkg/node"
)

func runDKGStart(cmd *cobra.Command, args []string) error {
	n, cleanup, err := buildNode()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := n.DKGStart(roundID, threshold, total); err != nil {
		return err
	}
	fmt.Printf("DKG %s started (%d-of-%d); commitments posted\n", roundID, threshold, total)
	fmt.Println("Run 'dkg distribute' once all nodes have committed.")
	return nil
}

func runDKGStatus(cmd *cobra.Command, args []string) error {
	n, cleanup, err := buildNode()
	if err != nil {
		return err
	}
	defer cleanup()

	progress, err := n.DKGStatus(roundID)
	if err != nil {
		return err
	}
	fmt.Printf("DKG round %s\n", roundID)
	fmt.Printf("Commitments (%d):\n", len(progress.Commitments))
	for _, id := range progress.Commitments {
		marker := ""
		if id == nodeID {
			marker = " (you)"
		}
		fmt.Printf("  %s%s\n", id, marker)
	}
	fmt.Printf("Shares received (%d):\n", len(progress.SharesReceived))
	for _, id := range progress.SharesReceived {
		fmt.Printf("  from %s\n", id)
	}
	return nil
}

func runDKGDistribute(cmd *cobra.Command, args []string) error {
	n, cleanup, err := buildNode()
	if err != nil {
		return err
	}
	defer cleanup()

	results, err := n.DKGDistribute(roundID)
	if err != nil {
		return err
	}
	for _, result := range results {
		switch result.Status {
		case "success":
			fmt.Printf("  sent to %s\n", result.Target)
		case "no_identity":
			fmt.Printf("  no identity for %s\n", result.Target)
		default:
			fmt.Printf("  error for %s: %v\n", result.Target, result.Err)
		}
	}
	fmt.Println("Run 'dkg finalize' once all shares have arrived.")
	return nil
}

func runDKGFinalize(cmd *cobra.Command, args []string) error {
	n, cleanup, err := buildNode()
	if err != nil {
		return err
	}
	defer cleanup()

	groupKey, err := n.DKGFinalize(roundID)
	var finalizeErr *node.FinalizeError
	if errors.As(err, &finalizeErr) {
		fmt.Printf("DKG finalize ABORTED, %d failure(s):\n", len(finalizeErr.Failures))
		for _, failure := range finalizeErr.Failures {
			fmt.Printf("  %s\n", failure)
		}
		return err
	}
	if errors.Is(err, node.ErrInsufficientShares) {
		fmt.Printf("Waiting for shares: %v\n", err)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("DKG complete. Group public key: %s\n", groupKey)
	return nil
}

func runSignRequest(cmd *cobra.Command, args []string) error {
	n, cleanup, err := buildNode()
	if err != nil {
		return err
	}
	defer cleanup()

	requestID, messageHash, err := n.SignRequest(message)
	if err != nil {
		return err
	}
	fmt.Printf("Request created: %s\n", requestID)
	fmt.Printf("  Hash: %s\n", messageHash)
	return nil
}

func runSignList(cmd *cobra.Command, args []string) error {
	n, cleanup, err := buildNode()
	if err != nil {
		return err
	}
	defer cleanup()

	requests, err := n.Requests()
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Println("No signing requests.")
		return nil
	}
	for _, summary := range requests {
		status := fmt.Sprintf("%dc/%dp", summary.Commitments, summary.Partials)
		if summary.Signed {
			status = "SIGNED"
		}
		fmt.Printf("%s: %s\n", summary.Request.RequestID, status)
		fmt.Printf("  from: %s\n", summary.Request.Requester)
		fmt.Printf("  msg:  %s\n", summary.Request.MessagePreview)
	}
	return nil
}

func runSignApprove(cmd *cobra.Command, args []string) error {
	n, cleanup, err := buildNode()
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := n.SignApprove(requestID)
	if errors.Is(err, node.ErrNonceReuse) || errors.Is(err, node.ErrAlreadyCommitted) {
		fmt.Printf("SECURITY: %v\n", err)
		return err
	}
	if err != nil {
		return err
	}
	fmt.Printf("Approved %s (from %s)\n", result.RequestID, result.Requester)
	fmt.Printf("  message: %s\n", result.Preview)
	fmt.Printf("  counter: %d\n", result.Counter)
	fmt.Printf("  R:       %s\n", result.RHex)
	fmt.Println("Run 'sign finalize' when the threshold is reached.")
	return nil
}

func runSignFinalize(cmd *cobra.Command, args []string) error {
	n, cleanup, err := buildNode()
	if err != nil {
		return err
	}
	defer cleanup()

	outcome, err := n.SignFinalize(requestID)
	if errors.Is(err, node.ErrBelowThreshold) {
		fmt.Printf("Waiting: %v\n", err)
		return nil
	}
	if err != nil {
		return err
	}
	switch outcome.Status {
	case node.StatusCompleted:
		fmt.Println("VALID SIGNATURE")
		fmt.Printf("  R: %s\n", outcome.RHex)
		fmt.Printf("  s: %s\n", outcome.SHex)
	default:
		fmt.Printf("Partial posted (%d/%d). Run again when more partials arrive.\n",
			outcome.Partials, outcome.Threshold)
	}
	return nil
}
