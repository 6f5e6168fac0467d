package access

import (
	"testing"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

func TestEvaluateDefaultAllow(t *testing.T) {
	d := Evaluate("prod-wa", "+5511990000101", nil)
	if !d.Allowed || d.MatchedRule != nil {
		t.Fatalf("expected default allow with no matched rule, got %+v", d)
	}
}

func TestEvaluateInstanceBeatsGlobal(t *testing.T) {
	rules := []store.AccessRule{
		{InstanceName: "", PhoneNumber: "+5511990000101", RuleType: store.RuleBlock},
		{InstanceName: "prod-wa", PhoneNumber: "+5511990000101", RuleType: store.RuleAllow},
	}
	d := Evaluate("prod-wa", "+5511990000101", rules)
	if !d.Allowed {
		t.Fatalf("expected instance-scoped allow to beat global block, got %+v", d)
	}
}

func TestEvaluateExactBeatsWildcard(t *testing.T) {
	rules := []store.AccessRule{
		{InstanceName: "prod-wa", PhoneNumber: "+55*", RuleType: store.RuleBlock},
		{InstanceName: "prod-wa", PhoneNumber: "+5511990000101", RuleType: store.RuleAllow},
	}
	d := Evaluate("prod-wa", "+5511990000101", rules)
	if !d.Allowed {
		t.Fatalf("expected exact allow to beat wildcard block, got %+v", d)
	}
}

func TestEvaluateLongerWildcardWins(t *testing.T) {
	rules := []store.AccessRule{
		{InstanceName: "prod-wa", PhoneNumber: "+55*", RuleType: store.RuleAllow},
		{InstanceName: "prod-wa", PhoneNumber: "+551199*", RuleType: store.RuleBlock},
	}
	d := Evaluate("prod-wa", "+5511990000101", rules)
	if d.Allowed {
		t.Fatalf("expected longer wildcard block to win, got %+v", d)
	}
}

func TestEvaluateDenyWinsAtEqualSpecificity(t *testing.T) {
	rules := []store.AccessRule{
		{InstanceName: "prod-wa", PhoneNumber: "+5511990000101", RuleType: store.RuleAllow},
		{InstanceName: "prod-wa", PhoneNumber: "+5511990000101", RuleType: store.RuleBlock},
	}
	d := Evaluate("prod-wa", "+5511990000101", rules)
	if d.Allowed {
		t.Fatalf("expected block to win at equal specificity, got %+v", d)
	}
}

func TestEvaluateNonWhatsAppExactPeer(t *testing.T) {
	rules := []store.AccessRule{
		{InstanceName: "", PhoneNumber: "discord_dm_U123", RuleType: store.RuleBlock},
	}
	d := Evaluate("discord-bot", "discord_dm_U123", rules)
	if d.Allowed {
		t.Fatalf("expected exact peer-id block, got %+v", d)
	}
}
