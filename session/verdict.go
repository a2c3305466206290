// Package session implements the policy-integration handler (C7): it
// satisfies receiver.Handler, owns the envelope.Context for a connection,
// dispatches each callback to a configured Policy at the matching stage,
// and turns the resulting Verdict into a wire.Reply.
package session

import "github.com/yonasBSD/vsmtpd/wire"

// Stage identifies a policy evaluation point. It is distinct from
// envelope.Stage: several Stage values (Connect, Helo, Auth, MailFrom,
// RcptTo, PreQ, PostQ, Delivery) are evaluated within a single envelope
// stage or across the working/delivery pipeline.
type Stage int

const (
	StageConnectPolicy Stage = iota
	StageHeloPolicy
	StageAuthPolicy
	StageMailFromPolicy
	StageRcptToPolicy
	StagePreQ
	StagePostQ
	StageDeliveryPolicy
)

// VerdictKind is the tag of a policy Verdict.
type VerdictKind int

const (
	// VerdictNext means the policy has no opinion; the receiver supplies
	// the stage-default reply.
	VerdictNext VerdictKind = iota
	// VerdictAccept short-circuits the remaining rules of this stage only.
	VerdictAccept
	// VerdictFaccept short-circuits all subsequent stages of this transaction.
	VerdictFaccept
	// VerdictDeny emits Reply and marks the connection (or message) to
	// be torn down.
	VerdictDeny
	// VerdictReject emits Reply but the connection continues.
	VerdictReject
	// VerdictQuarantine diverts the message to quarantine/<Name> after DATA.
	VerdictQuarantine
	// VerdictDelegated suspends the message, hands it to an external
	// processor named by Delegate, and waits for it to return.
	VerdictDelegated
	// VerdictDelegationResult is the sentinel re-entry state: the current
	// execution is resuming a previously delegated message.
	VerdictDelegationResult
)

// Verdict is the outcome of one policy-stage evaluation.
type Verdict struct {
	Kind     VerdictKind
	Reply    wire.Reply
	Name     string // Quarantine name
	Delegate string // Delegate connection/processor name
}

func Next() Verdict                      { return Verdict{Kind: VerdictNext} }
func Accept(reply wire.Reply) Verdict    { return Verdict{Kind: VerdictAccept, Reply: reply} }
func Faccept(reply wire.Reply) Verdict   { return Verdict{Kind: VerdictFaccept, Reply: reply} }
func Deny(reply wire.Reply) Verdict      { return Verdict{Kind: VerdictDeny, Reply: reply} }
func Reject(reply wire.Reply) Verdict    { return Verdict{Kind: VerdictReject, Reply: reply} }
func Quarantine(name string) Verdict     { return Verdict{Kind: VerdictQuarantine, Name: name} }
func Delegated(conn string) Verdict      { return Verdict{Kind: VerdictDelegated, Delegate: conn} }
func DelegationResult() Verdict          { return Verdict{Kind: VerdictDelegationResult} }

// IsTerminalForStage reports whether kind should stop evaluating further
// rules within the current stage (Accept and anything more severe).
func (k VerdictKind) IsTerminalForStage() bool {
	return k != VerdictNext
}

// Policy evaluates one rule at one or more stages. Implementations that do
// not care about a given stage should return Next().
type Policy interface {
	Evaluate(stage Stage, ctx *PolicyContext) Verdict
}

// Group runs a sequence of Policies in order at a given stage, stopping at
// the first non-Next verdict (Accept/Faccept stop the group; Deny/Reject/
// Quarantine/Delegated are terminal for the whole transaction or message).
// This mirrors the combinator shape of a maddy CheckGroup, but evaluates
// sequentially with short-circuit semantics rather than running all checks
// concurrently and merging scores, since the verdict taxonomy here requires
// strict first-match priority rather than score accumulation.
type Group struct {
	Policies []Policy
}

func (g Group) Evaluate(stage Stage, ctx *PolicyContext) Verdict {
	for _, p := range g.Policies {
		v := p.Evaluate(stage, ctx)
		if v.Kind != VerdictNext {
			return v
		}
	}
	return Next()
}
