package domain

import "testing"

func TestModelInputDropsQuotaNotices(t *testing.T) {
	msgs := []Message{
		{ID: "1", Role: RoleUser, Text: "hello"},
		{ID: "2", Role: RoleAssistant, Text: "Token Limit Reached. Switch to the backup model?"},
		{ID: "3", Role: RoleAgent, Text: "Try a short walk."},
	}

	got := ModelInput(msgs)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "1" || got[1].ID != "3" {
		t.Fatalf("unexpected order: %q, %q", got[0].ID, got[1].ID)
	}
	if len(msgs) != 3 {
		t.Fatal("input slice must not be modified")
	}
}

func TestModelInputDropsMarkedNotices(t *testing.T) {
	notice := Message{ID: "2", Role: RoleAssistant, Text: "Daily quota used up. Switch to the backup model?"}
	notice.MarkQuotaNotice()
	msgs := []Message{
		{ID: "1", Role: RoleUser, Text: "hello"},
		notice,
		// Carries intervention metadata, so the text alone does not make it a notice.
		{ID: "3", Role: RoleAgent, Text: "Token Limit Reached for today's tasks.", Metadata: &Metadata{Kind: InterventionTask}},
	}

	got := ModelInput(msgs)
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
		t.Fatalf("unexpected model input %+v", got)
	}
	if !notice.IsQuotaNotice() || msgs[2].IsQuotaNotice() {
		t.Fatal("notice classification mismatch")
	}
}

func TestMessageIs(t *testing.T) {
	m := Message{Role: RoleAgent, Metadata: &Metadata{Kind: InterventionTask, TaskName: "Breathe"}}
	if !m.Is(InterventionTask) {
		t.Error("expected task assignment")
	}
	if m.Is(InterventionCrisis) {
		t.Error("did not expect crisis trigger")
	}
	if (Message{}).Is(InterventionTask) {
		t.Error("message without metadata matches nothing")
	}
}

func TestDisplayNameFromKey(t *testing.T) {
	tests := map[string]string{
		"asha.rao@campus.edu": "asha rao",
		"a.b.c@x.y":           "a b.c",
		"solo@x.y":            "solo",
		"nokey":               "nokey",
	}
	for key, want := range tests {
		if got := DisplayNameFromKey(key); got != want {
			t.Errorf("DisplayNameFromKey(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestGreeting(t *testing.T) {
	u := User{UserKey: "asha.rao@campus.edu"}
	if got := u.Greeting(); got != "rao" {
		t.Errorf("Greeting() = %q, want rao", got)
	}
	u.UserKey = "solo@campus.edu"
	if got := u.Greeting(); got != "Student" {
		t.Errorf("Greeting() = %q, want Student", got)
	}
}
