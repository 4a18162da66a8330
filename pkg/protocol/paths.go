package protocol

import "fmt"

// Board path layout. Posting never overwrites an existing path under the
// same key; that is what makes the board's history usable as a witness.

func IdentityDir() string { return "identity" }

func IdentityPath(node string) string {
	return fmt.Sprintf("identity/%s.json", node)
}

func DKGCommitmentDir(round string) string {
	return fmt.Sprintf("dkg/%s/commitments", round)
}

func DKGCommitmentPath(round, node string) string {
	return fmt.Sprintf("dkg/%s/commitments/%s.json", round, node)
}

func DKGShareDir(round string) string {
	return fmt.Sprintf("dkg/%s/shares", round)
}

func DKGSharePath(round, from, to string) string {
	return fmt.Sprintf("dkg/%s/shares/%s_to_%s.enc", round, from, to)
}

func SigningRequestPath(requestID string) string {
	return fmt.Sprintf("signing/%s/request.json", requestID)
}

func SigningDir() string { return "signing" }

func NonceCommitmentDir(requestID string) string {
	return fmt.Sprintf("signing/%s/commitments", requestID)
}

func NonceCommitmentPath(requestID, node string) string {
	return fmt.Sprintf("signing/%s/commitments/%s.json", requestID, node)
}

func SessionLockPath(requestID string) string {
	return fmt.Sprintf("signing/%s/session.json", requestID)
}

func PartialDir(requestID string) string {
	return fmt.Sprintf("signing/%s/partials", requestID)
}

func PartialPath(requestID, node string) string {
	return fmt.Sprintf("signing/%s/partials/%s.json", requestID, node)
}

func ResultPath(requestID string) string {
	return fmt.Sprintf("signing/%s/result.json", requestID)
}
