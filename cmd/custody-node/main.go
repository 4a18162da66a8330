// custody-node is the CLI for one participant in the asynchronous
// threshold-custody cluster.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/custodia-mpc/custodia/pkg/hsm"
	"github.com/custodia-mpc/custodia/pkg/mailbox"
	"github.com/custodia-mpc/custodia/pkg/node"
	"github.com/custodia-mpc/custodia/pkg/party"
)

var (
	// Global flags
	nodeID     string
	dataDir    string
	mailboxURL string
	pin        string
	hsmMode    string
	hsmModule  string
	hsmToken   string
	verbose    bool

	// Command options
	roundID   string
	threshold int
	total     int
	requestID string
	message   string

	rootCmd = &cobra.Command{
		Use:   "custody-node",
		Short: "Asynchronous threshold-custody node",
		Long: `custody-node runs one participant of a threshold-custody cluster:
Feldman VSS key generation and threshold Schnorr signing over secp256k1,
coordinated through a shared bulletin board with secrets held in an HSM.`,
		SilenceUsage: true,
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Initialize node: verify HSM, post identity, set up nonce derivation",
		RunE:  runInit,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show node status with security audit info",
		RunE:  runStatus,
	}

	dkgCmd = &cobra.Command{
		Use:   "dkg",
		Short: "Distributed key generation ceremonies",
	}

	dkgStartCmd = &cobra.Command{
		Use:   "start",
		Short: "DKG phase 1: generate polynomial, broadcast commitments",
		RunE:  runDKGStart,
	}

	dkgStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Check DKG progress",
		RunE:  runDKGStatus,
	}

	dkgDistributeCmd = &cobra.Command{
		Use:   "distribute",
		Short: "DKG phase 2: send encrypted shares to other nodes",
		RunE:  runDKGDistribute,
	}

	dkgFinalizeCmd = &cobra.Command{
		Use:   "finalize",
		Short: "DKG phase 3: verify shares, compute final share",
		RunE:  runDKGFinalize,
	}

	signCmd = &cobra.Command{
		Use:   "sign",
		Short: "Threshold signing ceremonies",
	}

	signRequestCmd = &cobra.Command{
		Use:   "request",
		Short: "Create a signing request",
		RunE:  runSignRequest,
	}

	signListCmd = &cobra.Command{
		Use:   "list",
		Short: "List signing requests",
		RunE:  runSignList,
	}

	signApproveCmd = &cobra.Command{
		Use:   "approve",
		Short: "Approve a signing request with triple-layer nonce protection",
		RunE:  runSignApprove,
	}

	signFinalizeCmd = &cobra.Command{
		Use:   "finalize",
		Short: "Finalize signing after threshold",
		RunE:  runSignFinalize,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&nodeID, "node-id", envOr("NODE_ID", "node1"), "Node identifier (node<N>)")
	flags.StringVarP(&dataDir, "data-dir", "d", envOr("DATA_DIR", "./custody-data"), "Data directory")
	flags.StringVar(&mailboxURL, "mailbox", envOr("MAILBOX_URL", ""), "Bulletin board URL (git) or directory")
	flags.StringVar(&pin, "pin", os.Getenv("PIN"), "HSM PIN (required, >= 8 characters)")
	flags.StringVar(&hsmMode, "hsm-mode", envOr("HSM_MODE", "production"), "HSM mode: production or demo")
	flags.StringVar(&hsmModule, "hsm-module", envOr("HSM_MODULE", ""), "PKCS#11 module path (file token when empty)")
	flags.StringVar(&hsmToken, "hsm-token", envOr("HSM_TOKEN", "MPC_Token"), "PKCS#11 token label")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	dkgStartCmd.Flags().StringVar(&roundID, "round-id", "", "Unique round identifier")
	dkgStartCmd.Flags().IntVar(&threshold, "threshold", 2, "Signing threshold (t)")
	dkgStartCmd.Flags().IntVar(&total, "total", 3, "Total participants (n)")
	dkgStartCmd.MarkFlagRequired("round-id")
	for _, c := range []*cobra.Command{dkgStatusCmd, dkgDistributeCmd, dkgFinalizeCmd} {
		c.Flags().StringVar(&roundID, "round-id", "", "Unique round identifier")
		c.MarkFlagRequired("round-id")
	}

	signRequestCmd.Flags().StringVar(&message, "message", "", "Message to sign")
	signRequestCmd.MarkFlagRequired("message")
	for _, c := range []*cobra.Command{signApproveCmd, signFinalizeCmd} {
		c.Flags().StringVar(&requestID, "request-id", "", "Signing request identifier")
		c.MarkFlagRequired("request-id")
	}

	dkgCmd.AddCommand(dkgStartCmd, dkgStatusCmd, dkgDistributeCmd, dkgFinalizeCmd)
	signCmd.AddCommand(signRequestCmd, signListCmd, signApproveCmd, signFinalizeCmd)
	rootCmd.AddCommand(initCmd, statusCmd, dkgCmd, signCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// buildNode wires the orchestrator from flags: PKCS#11 token when a
// module path is set, the file-backed soft token otherwise; a git board
// when the mailbox URL looks like a repository, a plain directory board
// otherwise.
func buildNode() (*node.Node, func(), error) {
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	mode, err := hsm.ParseMode(hsmMode)
	if err != nil {
		return nil, nil, err
	}
	cfg := node.Config{
		NodeID:     party.ID(nodeID),
		DataDir:    dataDir,
		MailboxURL: mailboxURL,
		PIN:        pin,
		Mode:       mode,
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var tok hsm.Token
	if hsmModule != "" {
		tok, err = hsm.NewPKCS11Token(hsm.PKCS11Config{
			ModulePath: hsmModule,
			TokenLabel: hsmToken,
			PIN:        pin,
			Mode:       mode,
		})
	} else {
		tok, err = hsm.NewFileToken(dataDir+"/token", pin, mode)
	}
	if err != nil {
		return nil, nil, err
	}

	var box mailbox.Mailbox
	if strings.Contains(mailboxURL, "://") || strings.HasSuffix(mailboxURL, ".git") {
		box, err = mailbox.NewGitMailbox(mailboxURL, dataDir+"/board", nodeID, log)
	} else {
		box, err = mailbox.NewDirMailbox(mailboxURL)
	}
	if err != nil {
		tok.Close()
		return nil, nil, err
	}

	n, err := node.New(cfg, box, tok, log)
	if err != nil {
		tok.Close()
		return nil, nil, err
	}
	cleanup := func() {
		tok.Close()
		log.Sync()
	}
	return n, cleanup, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func check(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func runInit(cmd *cobra.Command, args []string) error {
	n, cleanup, err := buildNode()
	if err != nil {
		return err
	}
	defer cleanup()

	if hsmMode == "demo" {
		fmt.Println("WARNING: demo mode - secrets are extractable; do not use in production")
	}
	already, err := n.Init()
	if err != nil {
		return err
	}
	if already {
		fmt.Printf("%s already initialized\n", nodeID)
		return nil
	}
	fmt.Printf("%s initialized: identity posted, nonce derivation ready\n", nodeID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	n, cleanup, err := buildNode()
	if err != nil {
		return err
	}
	defer cleanup()

	status, err := n.Status()
	if err != nil {
		return err
	}
	fmt.Printf("Node:            %s\n", status.NodeID)
	fmt.Printf("HSM mode:        %s\n", status.Mode)
	fmt.Printf("Initialized:     %s\n", check(status.State.Initialized))
	fmt.Printf("Identity posted: %s\n", check(status.State.IdentityKeyPosted))
	fmt.Printf("\nDKG:\n")
	fmt.Printf("  Round:  %s\n", valueOr(status.State.DKG.RoundID, "none"))
	fmt.Printf("  Phase:  %s\n", valueOr(status.State.DKG.Phase, "none"))
	fmt.Printf("  Share:  %s\n", check(status.State.DKG.MyShareStored))
	if status.State.DKG.GroupPubKeyHex != "" {
		fmt.Printf("  PubKey: %s\n", status.State.DKG.GroupPubKeyHex)
	}
	fmt.Printf("\nNonce audit:\n")
	fmt.Printf("  Local nonces: %d\n", len(status.Nonces.LocalNonces))
	fmt.Printf("  Token nonces: %d\n", len(status.Nonces.TokenNonces))
	if status.Nonces.Consistent {
		fmt.Printf("  Consistency:  MATCHED\n")
	} else {
		fmt.Printf("  Consistency:  MISMATCH (potential rewind)\n")
	}
	if status.Nonces.Initialized {
		if status.Nonces.CounterKnown {
			fmt.Printf("  Counter:      %d\n", status.Nonces.Counter)
		}
		fmt.Printf("  Derivations:  %d token / %d local", status.Nonces.DerivationCount, status.Nonces.LocalDerivations)
		if status.Nonces.DerivationsMatch {
			fmt.Printf(" MATCHED\n")
		} else {
			fmt.Printf(" MISMATCH\n")
		}
	} else {
		fmt.Printf("  Derivation:   not initialized (run 'init')\n")
	}
	fmt.Printf("\nBoard: %s\n", strings.Join(status.BoardNodes, ", "))
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
