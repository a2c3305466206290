package envelope

// LocalDomainFunc reports whether a domain is configured as locally served.
type LocalDomainFunc func(domain string) bool

// ClassifyRecipient derives the TransactionType for a single RCPT TO per
// §4.6, given the (possibly absent) reverse path and the recipient. The
// caller is responsible for the Internal-transaction context-splitting
// side effect described there; this function only computes the
// classification.
func ClassifyRecipient(reversePath *Address, recipient Address, local LocalDomainFunc) TransactionType {
	if reversePath == nil {
		if local(recipient.Domain()) {
			return TransactionType{Kind: TransactionIncoming, Domain: recipient.Domain(), HasDomain: true}
		}
		return TransactionType{Kind: TransactionIncoming}
	}

	r := reversePath.Domain()
	t := recipient.Domain()

	switch {
	case local(r) && local(t) && r == t:
		return TransactionType{Kind: TransactionInternal, Domain: r, HasDomain: true}
	case local(r) && (!local(t) || r != t):
		return TransactionType{Kind: TransactionOutgoing, Domain: r, HasDomain: true}
	default: // !local(r)
		if local(t) {
			return TransactionType{Kind: TransactionIncoming, Domain: t, HasDomain: true}
		}
		return TransactionType{Kind: TransactionIncoming}
	}
}
