package metacmd

import "testing"

func TestParse_NonCommandReturnsNil(t *testing.T) {
	cmd, err := Parse("just a normal message")
	if cmd != nil || err != nil {
		t.Fatalf("Parse = (%+v, %v), want (nil, nil)", cmd, err)
	}
}

func TestParse_UnknownSlashCommandReturnsNil(t *testing.T) {
	cmd, err := Parse("/frobnicate")
	if cmd != nil || err != nil {
		t.Fatalf("Parse = (%+v, %v), want (nil, nil)", cmd, err)
	}
}

func TestParse_Status(t *testing.T) {
	cmd, err := Parse("/status")
	if err != nil || cmd == nil || cmd.Kind != KindStatus {
		t.Fatalf("Parse = (%+v, %v)", cmd, err)
	}
}

func TestParse_CheckpointWithLabel(t *testing.T) {
	cmd, err := Parse("/checkpoint before the refactor")
	if err != nil || cmd == nil || cmd.Kind != KindCheckpoint {
		t.Fatalf("Parse = (%+v, %v)", cmd, err)
	}
	if cmd.Label != "before the refactor" {
		t.Errorf("Label = %q", cmd.Label)
	}
}

func TestParse_CheckpointWithoutLabel(t *testing.T) {
	cmd, err := Parse("/checkpoint")
	if err != nil || cmd == nil || cmd.Label != "" {
		t.Fatalf("Parse = (%+v, %v)", cmd, err)
	}
}

func TestParse_RestoreWithID(t *testing.T) {
	cmd, err := Parse("/restore abc123")
	if err != nil || cmd == nil || cmd.Kind != KindRestore || cmd.CheckpointID != "abc123" {
		t.Fatalf("Parse = (%+v, %v)", cmd, err)
	}
}

func TestParse_RestoreWithoutIDMeansLatest(t *testing.T) {
	cmd, err := Parse("/restore")
	if err != nil || cmd == nil || cmd.CheckpointID != "" {
		t.Fatalf("Parse = (%+v, %v)", cmd, err)
	}
}

func TestParse_PinRequiresArgument(t *testing.T) {
	_, err := Parse("/pin")
	if err == nil {
		t.Fatal("expected an error for /pin with no argument")
	}
}

func TestParse_PinWithMessageID(t *testing.T) {
	cmd, err := Parse("/pin msg-42")
	if err != nil || cmd == nil || cmd.MessageID != "msg-42" {
		t.Fatalf("Parse = (%+v, %v)", cmd, err)
	}
}

func TestParse_HistoryDefaultsToTwenty(t *testing.T) {
	cmd, err := Parse("/history")
	if err != nil || cmd == nil || cmd.Count != defaultHistoryCount {
		t.Fatalf("Parse = (%+v, %v)", cmd, err)
	}
}

func TestParse_HistoryWithCount(t *testing.T) {
	cmd, err := Parse("/history 5")
	if err != nil || cmd == nil || cmd.Count != 5 {
		t.Fatalf("Parse = (%+v, %v)", cmd, err)
	}
}

func TestParse_HistoryWithInvalidCount(t *testing.T) {
	_, err := Parse("/history nope")
	if err == nil {
		t.Fatal("expected an error for a non-numeric history count")
	}
}

func TestParse_IsCaseInsensitive(t *testing.T) {
	cmd, err := Parse("/STATUS")
	if err != nil || cmd == nil || cmd.Kind != KindStatus {
		t.Fatalf("Parse = (%+v, %v)", cmd, err)
	}
}
