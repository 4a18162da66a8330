package node

import (
	"sort"

	"github.com/custodia-mpc/custodia/pkg/hsm"
	"github.com/custodia-mpc/custodia/pkg/state"
)

// NonceAudit cross-checks the local nonce-use records against the token's
// witnesses. A mismatch is the visible symptom of a rewound or restored
// layer.
type NonceAudit struct {
	LocalNonces      []string
	TokenNonces      []string
	Consistent       bool
	Counter          uint64
	CounterKnown     bool
	DerivationCount  int
	LocalDerivations int
	DerivationsMatch bool
	Initialized      bool
}

// Status is the node's audit snapshot.
type Status struct {
	NodeID     string
	Mode       hsm.Mode
	State      *state.NodeState
	Nonces     NonceAudit
	BoardNodes []string
}

// Status assembles the audit snapshot: node state, nonce consistency
// between local state and token, and the board's identity roster.
func (n *Node) Status() (*Status, error) {
	current, err := n.state.Load()
	if err != nil {
		return nil, err
	}
	status := &Status{
		NodeID: string(n.self),
		Mode:   n.tok.Mode(),
		State:  current,
	}

	for requestID := range current.Signing.UsedNonces {
		status.Nonces.LocalNonces = append(status.Nonces.LocalNonces, requestID)
	}
	sort.Strings(status.Nonces.LocalNonces)
	status.Nonces.LocalDerivations = len(current.Signing.NonceDerivations)

	labels, err := n.tok.Labels("NONCE_")
	if err != nil {
		return nil, err
	}
	status.Nonces.TokenNonces = hsm.UsedNonceRequestIDs(labels)
	sort.Strings(status.Nonces.TokenNonces)
	status.Nonces.Consistent = equalSets(status.Nonces.LocalNonces, status.Nonces.TokenNonces)

	for _, label := range labels {
		if _, ok := hsm.IsDerivationLabel(label); ok {
			status.Nonces.DerivationCount++
		}
	}
	status.Nonces.DerivationsMatch = status.Nonces.DerivationCount == status.Nonces.LocalDerivations

	status.Nonces.Initialized, err = n.deriver.Initialized()
	if err != nil {
		return nil, err
	}
	if counter, err := n.deriver.Counter(); err == nil {
		status.Nonces.Counter = counter
		status.Nonces.CounterKnown = true
	}

	identities, err := n.Identities()
	if err == nil {
		for _, identity := range identities {
			status.BoardNodes = append(status.BoardNodes, string(identity.NodeID))
		}
		sort.Strings(status.BoardNodes)
	}
	return status, nil
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
