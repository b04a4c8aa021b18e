package git

import "strings"

// Classifier maps raw git diagnostic output onto a failure Kind.
type Classifier interface {
	Classify(output string) Kind
}

// Signature associates a set of lower-case output fragments with a Kind.
type Signature struct {
	Kind      Kind
	Fragments []string
}

// SignatureClassifier matches output against an ordered list of signatures.
// The first signature with a matching fragment wins.
type SignatureClassifier struct {
	Signatures []Signature
}

// DefaultSignatures lists the failure signatures git prints for the cases the
// sync engine knows how to handle. Order matters: identity and credential
// problems are checked before transport errors because git often reports
// both ("could not read from remote repository" follows a publickey denial).
var DefaultSignatures = []Signature{
	{Kind: KindIdentity, Fragments: []string{
		"please tell me who you are",
		"empty ident name",
		"unable to auto-detect email address",
		"author identity unknown",
	}},
	{Kind: KindAuthentication, Fragments: []string{
		"authentication failed",
		"permission denied (publickey",
		"could not read username",
		"could not read password",
		"invalid username or password",
		"the requested url returned error: 401",
		"the requested url returned error: 403",
		"host key verification failed",
	}},
	{Kind: KindUnrelatedHistories, Fragments: []string{
		"refusing to merge unrelated histories",
	}},
	{Kind: KindNonFastForward, Fragments: []string{
		"non-fast-forward",
		"[rejected]",
		"updates were rejected",
		"(fetch first)",
	}},
	{Kind: KindConflict, Fragments: []string{
		"conflict (",
		"could not apply",
		"automatic merge failed",
		"resolve all conflicts manually",
		"you have unmerged paths",
		"needs merge",
	}},
	{Kind: KindNothingToCommit, Fragments: []string{
		"nothing to commit",
		"nothing added to commit",
		"no changes added to commit",
	}},
	{Kind: KindNoUpstream, Fragments: []string{
		"has no upstream branch",
		"there is no tracking information",
		"no upstream configured",
	}},
	{Kind: KindMissingRemoteRef, Fragments: []string{
		"couldn't find remote ref",
		"no such ref was fetched",
	}},
	{Kind: KindNetwork, Fragments: []string{
		"proxy",
		"could not resolve host",
		"failed to connect",
		"connection timed out",
		"connection refused",
		"connection reset",
		"operation timed out",
		"network is unreachable",
		"rpc failed",
		"early eof",
		"the remote end hung up unexpectedly",
		"unable to access",
		"could not read from remote repository",
		"ssl certificate problem",
		"gnutls_handshake",
		"tls handshake",
	}},
}

// NewSignatureClassifier returns a classifier using DefaultSignatures.
func NewSignatureClassifier() *SignatureClassifier {
	return &SignatureClassifier{Signatures: DefaultSignatures}
}

// Classify implements Classifier.
func (c *SignatureClassifier) Classify(output string) Kind {
	lower := strings.ToLower(output)
	for _, sig := range c.Signatures {
		for _, fragment := range sig.Fragments {
			if strings.Contains(lower, fragment) {
				return sig.Kind
			}
		}
	}
	return KindUnknown
}
