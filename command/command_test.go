package command

import "testing"

func TestMailFromParamOrderIndependence(t *testing.T) {
	permutations := []string{
		"FROM:<a@b> BODY=8BITMIME SIZE=100 SMTPUTF8 ENVID=x RET=HDRS",
		"FROM:<a@b> RET=HDRS ENVID=x SMTPUTF8 SIZE=100 BODY=8BITMIME",
		"FROM:<a@b> SMTPUTF8 ENVID=x BODY=8BITMIME RET=HDRS SIZE=100",
	}

	var first MailFromArgs
	for i, p := range permutations {
		cmd, err := Parse("MAIL " + p)
		if err != nil {
			t.Fatalf("permutation %d: %v", i, err)
		}
		args := cmd.Args.(MailFromArgs)
		if i == 0 {
			first = args
			continue
		}
		if args.Body != first.Body || *args.Size != *first.Size || args.SMTPUTF8 != first.SMTPUTF8 ||
			*args.EnvID != *first.EnvID || args.Ret != first.Ret {
			t.Errorf("permutation %d produced different envelope fields: %+v vs %+v", i, args, first)
		}
	}
}

func TestMailFromDuplicateSizeRejected(t *testing.T) {
	_, err := Parse("MAIL FROM:<a@b> SIZE=1 SIZE=2")
	if err == nil {
		t.Fatal("expected duplicate SIZE to be rejected")
	}
}

func TestMailFromSizeAfterBodyRejected(t *testing.T) {
	_, err := Parse("MAIL FROM:<a@b> BODY=8BITMIME SIZE=1")
	if err == nil {
		t.Fatal("expected SIZE after BODY to be rejected")
	}
}

func TestRcptToNotifyDefaultsToFailure(t *testing.T) {
	cmd, err := Parse("RCPT TO:<b@c>")
	if err != nil {
		t.Fatal(err)
	}
	args := cmd.Args.(RcptToArgs)
	if args.Notify != NotifyFailure {
		t.Errorf("default NOTIFY should be FAILURE, got %v", args.Notify)
	}
}

func TestRcptToNotifyNeverExclusive(t *testing.T) {
	_, err := Parse("RCPT TO:<b@c> NOTIFY=NEVER,SUCCESS")
	if err == nil {
		t.Fatal("expected NOTIFY=NEVER,SUCCESS to be rejected")
	}
}

func TestRcptToNotifyBareNeverAccepted(t *testing.T) {
	cmd, err := Parse("RCPT TO:<b@c> NOTIFY=NEVER")
	if err != nil {
		t.Fatalf("expected bare NOTIFY=NEVER to be accepted, got %v", err)
	}
	args := cmd.Args.(RcptToArgs)
	if args.Notify != NotifyNever {
		t.Errorf("got NOTIFY=%v, want NotifyNever", args.Notify)
	}
}

func TestUnknownVerb(t *testing.T) {
	cmd, err := Parse("BOGUS foo bar")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Verb != VerbUnknown || cmd.RawArgs != "BOGUS foo bar" {
		t.Errorf("got %+v", cmd)
	}
}

func TestMailFromNonASCIIWithoutUTF8Rejected(t *testing.T) {
	_, err := Parse("MAIL FROM:<用户@example.com>")
	if err == nil {
		t.Fatal("expected non-ASCII address without SMTPUTF8 to be rejected")
	}
}
